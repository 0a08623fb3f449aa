package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Regional blood inventory coordination service",
	Long: `Maintains the append-only blood transaction ledger, the materialized
stock view per hospital and blood group, threshold-based shortage alerts,
and donor proximity search for urgent requests.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
