package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

func main() {
	rootCmd := newRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flinemon",
		Short: "Monitoring for the featureline churn pipeline",
		Long: `flinemon inspects the churn feature platform: mart freshness,
raw-table data quality, churn distribution, and recent pipeline runs.

It reads Postgres directly for data checks and the pipelined HTTP API
for run history.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("database-url", "", "Postgres URL (defaults to DATABASE_URL)")
	cmd.PersistentFlags().Bool("json", false, "emit raw JSON instead of formatted output")

	cmd.AddCommand(newFreshnessCommand())
	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newRunsCommand())

	return cmd
}
