package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "Show a user's usage for the current month",
	Long: `Read a user's usage record from the configured store without consuming quota.

The quota shown is the one of --tier (default tier when omitted); the
store does not remember which tier a user had when the usage was counted.

Examples:
  quotagate usage user_2abc
  quotagate usage user_2abc --tier pro`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var usageTier string

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVar(&usageTier, "tier", "", "tier used to compute the limit")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	reg, err := config.BuildRegistry(cfg)
	if err != nil {
		return err
	}
	if cfg.Store.Driver == config.DriverMemory {
		return fmt.Errorf("store driver %q keeps no usage between processes", cfg.Store.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := bootstrap.OpenStore(ctx, cfg.Store, clock.Real{}, zerolog.Nop())
	if err != nil {
		return err
	}
	defer s.Close()

	tierID := usageTier
	if tierID == "" {
		tierID = reg.Default().ID
	}
	report, err := app.NewLedger(s.Store, reg, clock.Real{}).Peek(ctx, args[0], tierID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:      %s\n", report.UserID)
	fmt.Fprintf(out, "Tier:      %s\n", report.Tier)
	fmt.Fprintf(out, "Period:    %s to %s\n", report.PeriodStart, report.PeriodEnd)
	fmt.Fprintf(out, "Used:      %d\n", report.Count)
	fmt.Fprintf(out, "Limit:     %s\n", report.Limit)
	fmt.Fprintf(out, "Remaining: %s\n", report.Remaining)
	fmt.Fprintf(out, "Resets:    %s\n", report.ResetAt.Format(time.RFC3339))
	return nil
}
