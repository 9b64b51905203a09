package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newFreshnessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "freshness",
		Short: "Check how old the churn feature mart is",
		Long: `Reads the newest feature_created_at from churn_marts.churn_features
and reports whether the mart is within the 24h freshness window.

Exit code: 0 if fresh, 1 if stale or empty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := checkFreshness(cmd.Context(), db)
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printFreshness(cmd, result)
			}

			if result.NoData || !result.IsFresh {
				return fmt.Errorf("feature mart is stale")
			}
			return nil
		},
		SilenceUsage: true,
	}
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Full monitoring report: freshness, quality, churn distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			freshness, err := checkFreshness(ctx, db)
			if err != nil {
				return err
			}
			quality, err := checkQuality(ctx, db)
			if err != nil {
				return err
			}
			distribution, err := checkChurnDistribution(ctx, db)
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"timestamp":          time.Now().UTC().Format(time.RFC3339),
					"data_freshness":     freshness,
					"data_quality":       quality,
					"churn_distribution": distribution,
				})
			}

			cyan := color.New(color.FgCyan, color.Bold)
			out := cmd.OutOrStdout()

			cyan.Fprintln(out, "CHURN PIPELINE MONITORING REPORT")
			fmt.Fprintf(out, "Generated at: %s\n\n", time.Now().UTC().Format(time.RFC3339))

			printFreshness(cmd, freshness)

			cyan.Fprintln(out, "\nData Quality")
			for _, q := range quality {
				line := fmt.Sprintf("  %-13s %8d rows", q.Table, q.TotalRows)
				if q.QualityIssues > 0 {
					color.New(color.FgYellow).Fprintf(out, "%s  %d issues\n", line, q.QualityIssues)
					continue
				}
				fmt.Fprintf(out, "%s  clean\n", line)
			}

			cyan.Fprintln(out, "\nChurn Distribution")
			for _, d := range distribution {
				fmt.Fprintf(out, "  %-8s %8d users  avg spend %.2f  avg sessions %.1f\n",
					d.Status, d.UserCount, d.AvgSpend, d.AvgSessions)
			}
			return nil
		},
		SilenceUsage: true,
	}
}

func printFreshness(cmd *cobra.Command, result freshnessResult) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	switch {
	case result.NoData:
		red.Fprintln(out, "Data Freshness: no data in churn_marts.churn_features")
	case result.IsFresh:
		green.Fprintf(out, "Data Freshness: fresh (%.1f hours old)\n", result.HoursOld)
	default:
		yellow.Fprintf(out, "Data Freshness: stale (%.1f hours old)\n", result.HoursOld)
	}
}
