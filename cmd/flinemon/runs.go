package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/featureline-labs/featureline-go/internal/platform/env"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent pipeline runs from the pipelined API",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api-url")
			if base == "" {
				base = env.String("PIPELINED_BASE_URL", "http://localhost:8081")
			}
			limit, _ := cmd.Flags().GetInt("limit")

			client := &http.Client{Timeout: 10 * time.Second}
			url := fmt.Sprintf("%s/runs?limit=%d", base, limit)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach pipelined api: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("pipelined api returned %d", resp.StatusCode)
			}

			var body struct {
				Runs []struct {
					RunID      string         `json:"run_id"`
					Pipeline   string         `json:"pipeline"`
					Status     string         `json:"status"`
					StartedAt  string         `json:"started_at"`
					DurationMs int64          `json:"duration_ms"`
					Counts     map[string]int `json:"counts"`
				} `json:"runs"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode runs: %w", err)
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(body.Runs)
			}

			out := cmd.OutOrStdout()
			if len(body.Runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			green := color.New(color.FgGreen)
			red := color.New(color.FgRed)
			yellow := color.New(color.FgYellow)
			for _, run := range body.Runs {
				line := fmt.Sprintf("%s  %-20s %-10s %6.1fs  failed=%d skipped=%d",
					run.RunID[:8], run.Pipeline, run.Status,
					float64(run.DurationMs)/1000,
					run.Counts["failed"], run.Counts["skipped"])
				switch run.Status {
				case "succeeded":
					green.Fprintln(out, line)
				case "failed":
					red.Fprintln(out, line)
				default:
					yellow.Fprintln(out, line)
				}
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("api-url", "", "pipelined base URL (defaults to PIPELINED_BASE_URL)")
	cmd.Flags().Int("limit", 10, "number of runs to show")
	return cmd
}
