package main

import (
	"github.com/spf13/cobra"
)

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Market price pipeline",
	Long:  "Syncs prices from configured sources, manages the source registry, and inspects the sync log.",
}

func init() {
	rootCmd.AddCommand(marketCmd)
}

// truncate shortens a string for tabular output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
