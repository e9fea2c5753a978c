package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List configured tiers",
	Long: `List the pricing table in the order the API serves it.

Examples:
  quotagate tiers
  quotagate tiers --config /etc/quotagate/config.yaml`,
	RunE: runTiers,
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	reg, err := config.BuildRegistry(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRICE\tQUOTA\tPURCHASABLE")
	for _, t := range reg.List() {
		purchasable := "no"
		if t.HasPriceID {
			purchasable = "yes"
		}
		def := ""
		if t.ID == reg.Default().ID {
			def = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t$%.2f\t%s\t%s\n", t.ID, def, t.Name, t.Price, t.Limit, purchasable)
	}
	return w.Flush()
}
