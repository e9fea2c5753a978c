package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Tiered usage metering and billing gate",
	Long: `quotagate meters authenticated API usage against per-tier monthly quotas,
applies a per-user rate limit, and reconciles billing webhooks into the
identity provider's tier metadata.

Quick start:
  quotagate validate  # Check configuration
  quotagate serve     # Start the HTTP server

Operations:
  quotagate tiers                 # Show the pricing table
  quotagate usage <user-id>       # Inspect a user's monthly usage
  quotagate token <user-id>       # Issue a development token`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotagate.yaml", "config file path")
}
