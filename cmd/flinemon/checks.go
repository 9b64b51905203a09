package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/featureline-labs/featureline-go/internal/platform/env"
	"github.com/featureline-labs/featureline-go/internal/platform/postgres"
	"github.com/spf13/cobra"
)

const freshThreshold = 24 * time.Hour

type freshnessResult struct {
	LastUpdate string  `json:"last_update,omitempty"`
	HoursOld   float64 `json:"hours_old,omitempty"`
	IsFresh    bool    `json:"is_fresh"`
	NoData     bool    `json:"no_data,omitempty"`
}

type tableQuality struct {
	Table         string `json:"table"`
	TotalRows     int64  `json:"total_rows"`
	QualityIssues int64  `json:"quality_issues"`
}

type churnSlice struct {
	Status      string  `json:"churn_status"`
	UserCount   int64   `json:"user_count"`
	AvgSpend    float64 `json:"avg_spend"`
	AvgSessions float64 `json:"avg_sessions"`
}

func openDB(cmd *cobra.Command) (*sql.DB, error) {
	url, _ := cmd.Flags().GetString("database-url")
	if url == "" {
		url = env.String("DATABASE_URL", "")
	}
	if url == "" {
		return nil, fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.URL = url
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	return postgres.Open(ctx, cfg)
}

func checkFreshness(ctx context.Context, db *sql.DB) (freshnessResult, error) {
	var lastUpdate sql.NullTime
	err := db.QueryRowContext(ctx,
		"SELECT MAX(feature_created_at) FROM churn_marts.churn_features").Scan(&lastUpdate)
	if err != nil {
		return freshnessResult{}, fmt.Errorf("query last feature update: %w", err)
	}
	if !lastUpdate.Valid {
		return freshnessResult{NoData: true}, nil
	}
	age := time.Since(lastUpdate.Time)
	return freshnessResult{
		LastUpdate: lastUpdate.Time.UTC().Format(time.RFC3339),
		HoursOld:   float64(int(age.Hours()*10)) / 10,
		IsFresh:    age < freshThreshold,
	}, nil
}

func checkQuality(ctx context.Context, db *sql.DB) ([]tableQuality, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
		    'users' AS table_name,
		    COUNT(*) AS total_rows,
		    COUNT(CASE WHEN user_id IS NULL THEN 1 END)
		        + COUNT(CASE WHEN signup_date IS NULL THEN 1 END) AS quality_issues
		FROM churn_analytics.raw_users

		UNION ALL

		SELECT
		    'activities' AS table_name,
		    COUNT(*) AS total_rows,
		    COUNT(CASE WHEN user_id IS NULL THEN 1 END)
		        + COUNT(CASE WHEN event_timestamp IS NULL THEN 1 END) AS quality_issues
		FROM churn_analytics.raw_user_activities

		UNION ALL

		SELECT
		    'transactions' AS table_name,
		    COUNT(*) AS total_rows,
		    COUNT(CASE WHEN user_id IS NULL THEN 1 END)
		        + COUNT(CASE WHEN amount IS NULL OR amount <= 0 THEN 1 END) AS quality_issues
		FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("query data quality: %w", err)
	}
	defer rows.Close()

	var out []tableQuality
	for rows.Next() {
		var q tableQuality
		if err := rows.Scan(&q.Table, &q.TotalRows, &q.QualityIssues); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func checkChurnDistribution(ctx context.Context, db *sql.DB) ([]churnSlice, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
		    churn_flag,
		    COUNT(*) AS user_count,
		    ROUND(AVG(total_spend_ngn), 2) AS avg_spend,
		    ROUND(AVG(unique_sessions), 1) AS avg_sessions
		FROM churn_marts.churn_features
		GROUP BY churn_flag
		ORDER BY churn_flag`)
	if err != nil {
		return nil, fmt.Errorf("query churn distribution: %w", err)
	}
	defer rows.Close()

	var out []churnSlice
	for rows.Next() {
		var flag int
		var s churnSlice
		var avgSpend, avgSessions sql.NullFloat64
		if err := rows.Scan(&flag, &s.UserCount, &avgSpend, &avgSessions); err != nil {
			return nil, err
		}
		s.Status = "Active"
		if flag == 1 {
			s.Status = "Churned"
		}
		s.AvgSpend = avgSpend.Float64
		s.AvgSessions = avgSessions.Float64
		out = append(out, s)
	}
	return out, rows.Err()
}
