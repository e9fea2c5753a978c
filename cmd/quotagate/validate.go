package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the quotagate configuration.

Checks:
  - YAML syntax is valid
  - The webhook signing secret is present
  - Tiers are unique and the default tier exists
  - Store, identity and enforcement settings are known
  - The store is reachable (optional)

Examples:
  quotagate validate
  quotagate validate --check-store --config /etc/quotagate/config.yaml`,
	RunE: runValidate,
}

var validateCheckStore bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStore, "check-store", false, "check that the store is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Configuration valid\n", crossMark)
		return err
	}
	fmt.Fprintf(out, "  %s Configuration valid\n", checkMark)

	fmt.Fprintf(out, "  %s Store: %s\n", checkMark, cfg.Store.Driver)
	fmt.Fprintf(out, "  %s Identity: %s\n", checkMark, cfg.Identity.Mode)
	fmt.Fprintf(out, "  %s Fail mode: %s\n", checkMark, cfg.Enforcement.FailMode)
	fmt.Fprintf(out, "  %s Rate limit: %d per %s\n", checkMark, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	fmt.Fprintf(out, "  %s Tiers configured: %d (default %s)\n", checkMark, len(cfg.Tiers), cfg.DefaultTier)
	if cfg.Billing.SecretKey == "" {
		fmt.Fprintf(out, "  %s Checkout disabled (no billing.secret_key)\n", warnMark)
	}

	if validateCheckStore {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := bootstrap.OpenStore(ctx, cfg.Store, clock.Real{}, zerolog.Nop())
		if err == nil {
			err = s.Store.Ping(ctx)
			s.Close()
		}
		if err != nil {
			fmt.Fprintf(out, "  %s Store reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Store reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
	warnMark  = "\033[33m!\033[0m"
)
