package main

import (
	"fmt"
	"time"

	"github.com/artpar/quotagate/adapters/auth"
	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a development token",
	Long: `Sign a bearer token with auth.hmac_secret.

Only available when the server verifies HMAC tokens. Production tokens
come from the identity provider.

Examples:
  quotagate token user_2abc
  quotagate token user_2abc --tier pro --ttl 24h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var (
	tokenTier string
	tokenTTL  time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenTier, "tier", "", "plan claim (default tier when omitted)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is not set")
	}
	if tokenTier != "" {
		reg, err := config.BuildRegistry(cfg)
		if err != nil {
			return err
		}
		if _, ok := reg.Lookup(tokenTier); !ok {
			return fmt.Errorf("unknown tier %q", tokenTier)
		}
	}

	v, err := auth.NewVerifier(auth.Config{
		HMACSecret:  cfg.Auth.HMACSecret,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		DefaultTier: cfg.DefaultTier,
		Leeway:      cfg.Auth.Leeway,
	}, clock.Real{})
	if err != nil {
		return err
	}
	token, err := v.Issue(args[0], tokenTier, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
