package main

import (
	"context"
	"fmt"

	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the quotagate HTTP server.

The server will:
  - Load configuration from quotagate.yaml (or --config)
  - Or load configuration from QUOTAGATE_* environment variables
  - Refuse to start if the configuration is invalid
  - Open the configured key-value store
  - Serve the gated API, the pricing table and the billing webhook

Environment variables (for container deployments):
  QUOTAGATE_BILLING_WEBHOOK_SECRET  - Webhook signing secret (required)
  QUOTAGATE_TIERS                   - free:5,pro:unlimited:2900:price_123
  QUOTAGATE_AUTH_HMAC_SECRET        - Token verification secret
  QUOTAGATE_STORE_DRIVER            - memory, redis or sqlite
  QUOTAGATE_CLERK_SECRET_KEY        - Identity provider key

Examples:
  quotagate serve
  quotagate serve --config /etc/quotagate/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
