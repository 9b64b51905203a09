package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
	"github.com/featureline-labs/featureline-go/internal/platform/env"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS churn_analytics;

CREATE TABLE IF NOT EXISTS churn_analytics.raw_users (
    user_id INTEGER,
    signup_date TIMESTAMP,
    region VARCHAR(50),
    channel VARCHAR(50),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS churn_analytics.raw_user_activities (
    user_id INTEGER,
    session_id VARCHAR(100),
    event_name VARCHAR(50),
    event_timestamp TIMESTAMP,
    device VARCHAR(50),
    app_version VARCHAR(20),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE SCHEMA IF NOT EXISTS churn_staging;
CREATE SCHEMA IF NOT EXISTS churn_marts;`

const stagingSQL = `
DROP TABLE IF EXISTS churn_staging.stg_transactions;
CREATE TABLE churn_staging.stg_transactions AS
SELECT
    user_id,
    amount,
    status,
    created_at
FROM transactions
WHERE user_id IS NOT NULL;

DROP TABLE IF EXISTS churn_staging.stg_activities;
CREATE TABLE churn_staging.stg_activities AS
SELECT
    user_id,
    session_id,
    event_name,
    event_timestamp,
    device
FROM churn_analytics.raw_user_activities
WHERE user_id IS NOT NULL AND event_timestamp IS NOT NULL;`

const martsSQL = `
DROP TABLE IF EXISTS churn_marts.churn_features;
CREATE TABLE churn_marts.churn_features AS
WITH user_stats AS (
    SELECT
        u.user_id,
        u.email,
        u.signup_date,
        u.region,
        u.channel,
        CURRENT_DATE - u.signup_date::date AS user_tenure_days,
        COUNT(t.user_id) AS total_transactions,
        COUNT(CASE WHEN t.status = 'success' THEN 1 END) AS successful_transactions,
        COALESCE(SUM(CASE WHEN t.status = 'success' THEN t.amount END), 0) AS total_spend_ngn,
        AVG(CASE WHEN t.status = 'success' THEN t.amount END) AS avg_transaction_amount,
        MAX(t.created_at) AS last_transaction_date,
        CURRENT_DATE - MAX(t.created_at)::date AS days_since_last_transaction
    FROM users u
    LEFT JOIN churn_staging.stg_transactions t ON u.user_id = t.user_id
    GROUP BY u.user_id, u.email, u.signup_date, u.region, u.channel
),
activity_stats AS (
    SELECT
        user_id,
        COUNT(DISTINCT session_id) AS unique_sessions,
        COUNT(DISTINCT event_timestamp::date) AS active_days,
        COUNT(CASE WHEN event_name = 'page_view' THEN 1 END) AS page_views,
        MAX(event_timestamp) AS last_activity_date,
        CURRENT_DATE - MAX(event_timestamp)::date AS days_since_last_activity
    FROM churn_staging.stg_activities
    GROUP BY user_id
),
scored AS (
    SELECT
        us.*,
        COALESCE(a.unique_sessions, 0) AS unique_sessions,
        COALESCE(a.active_days, 0) AS active_days,
        COALESCE(a.page_views, 0) AS page_views,
        a.last_activity_date,
        a.days_since_last_activity,
        NULL::numeric AS avg_session_duration_minutes,
        NULL::numeric AS cart_conversion_rate,
        NULL::numeric AS purchase_conversion_rate,
        NTILE(5) OVER (ORDER BY COALESCE(a.days_since_last_activity, 9999) DESC) AS recency_score,
        NTILE(5) OVER (ORDER BY us.total_transactions) AS frequency_score,
        NTILE(5) OVER (ORDER BY us.total_spend_ngn) AS monetary_score
    FROM user_stats us
    LEFT JOIN activity_stats a ON us.user_id = a.user_id
)
SELECT
    *,
    recency_score + frequency_score + monetary_score AS rfm_total_score,
    CASE
        WHEN days_since_last_activity IS NULL THEN 'dormant'
        WHEN days_since_last_activity <= 7 THEN 'active'
        WHEN days_since_last_activity <= 30 THEN 'cooling'
        ELSE 'at_risk'
    END AS user_lifecycle_stage,
    CASE
        WHEN days_since_last_activity > 30 OR days_since_last_activity IS NULL
        THEN 1
        ELSE 0
    END AS churn_flag,
    CURRENT_TIMESTAMP AS feature_created_at
FROM scored;`

// churnTaskRegistry binds the churn feature pipeline's task ids to their
// implementations. Ids here must match the embedded YAML definition.
func churnTaskRegistry(logger *slog.Logger, db *sql.DB, featureAPIBase string) map[string]pipeline.TaskFunc {
	dumpPath := env.String("PIPELINED_TRANSACTIONS_DUMP", "datasets/postgres_transactions_dump.sql")
	activitiesPath := env.String("PIPELINED_ACTIVITIES_CSV", "datasets/user_activities.csv")

	return map[string]pipeline.TaskFunc{
		"create_schema": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
				return nil, fmt.Errorf("create schema: %w", err)
			}
			return map[string]any{"schema": "ready"}, nil
		},

		"load_transactions": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			dump, err := os.ReadFile(dumpPath)
			if err != nil {
				return nil, pipeline.NonRetryable(fmt.Errorf("read transactions dump: %w", err))
			}
			if _, err := db.ExecContext(ctx, string(dump)); err != nil {
				return nil, fmt.Errorf("execute transactions dump: %w", err)
			}
			var count int64
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count); err != nil {
				return nil, fmt.Errorf("count transactions: %w", err)
			}
			logger.Info("transactions loaded", "rows", count)
			return map[string]any{"transactions_loaded": count}, nil
		},

		"validate_transactions": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			var users, transactions, orphaned int64
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&users); err != nil {
				return nil, fmt.Errorf("count users: %w", err)
			}
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&transactions); err != nil {
				return nil, fmt.Errorf("count transactions: %w", err)
			}
			err := db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM transactions t
				LEFT JOIN users u ON t.user_id = u.user_id
				WHERE u.user_id IS NULL`).Scan(&orphaned)
			if err != nil {
				return nil, fmt.Errorf("count orphaned transactions: %w", err)
			}
			if orphaned > 0 {
				logger.Warn("orphaned transactions found", "count", orphaned)
			}
			return map[string]any{
				"users_loaded":          users,
				"transactions_loaded":   transactions,
				"orphaned_transactions": orphaned,
			}, nil
		},

		"load_activities": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			n, err := loadActivitiesCSV(ctx, db, activitiesPath)
			if err != nil {
				return nil, err
			}
			logger.Info("activities loaded", "rows", n)
			return map[string]any{"activities_loaded": n}, nil
		},

		"validate_raw_data": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			var users, activities, nullUsers, unmatched int64
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&users); err != nil {
				return nil, fmt.Errorf("count users: %w", err)
			}
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM churn_analytics.raw_user_activities").Scan(&activities); err != nil {
				return nil, fmt.Errorf("count activities: %w", err)
			}
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE user_id IS NULL").Scan(&nullUsers); err != nil {
				return nil, fmt.Errorf("count null users: %w", err)
			}
			err := db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM churn_analytics.raw_user_activities a
				LEFT JOIN users u ON a.user_id = u.user_id
				WHERE u.user_id IS NULL`).Scan(&unmatched)
			if err != nil {
				return nil, fmt.Errorf("count unmatched activities: %w", err)
			}
			if unmatched > 0 {
				logger.Warn("activities for unknown users", "count", unmatched)
			}
			return map[string]any{
				"users_count":          users,
				"activities_count":     activities,
				"null_user_ids":        nullUsers,
				"unmatched_activities": unmatched,
			}, nil
		},

		"transform_staging": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			if _, err := db.ExecContext(ctx, stagingSQL); err != nil {
				return nil, fmt.Errorf("build staging tables: %w", err)
			}
			return map[string]any{"staging": "built"}, nil
		},

		"transform_marts": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			if _, err := db.ExecContext(ctx, martsSQL); err != nil {
				return nil, fmt.Errorf("build churn_features mart: %w", err)
			}
			return map[string]any{"marts": "built"}, nil
		},

		"validate_features": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			var totalUsers, churnedUsers int64
			var avgSpend, avgSessions sql.NullFloat64
			err := db.QueryRowContext(ctx, `
				SELECT
					COUNT(*),
					COALESCE(SUM(churn_flag), 0),
					AVG(total_spend_ngn),
					AVG(unique_sessions)
				FROM churn_marts.churn_features`).
				Scan(&totalUsers, &churnedUsers, &avgSpend, &avgSessions)
			if err != nil {
				return nil, fmt.Errorf("feature stats: %w", err)
			}
			var nullKeys int64
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM churn_marts.churn_features WHERE user_id IS NULL").Scan(&nullKeys); err != nil {
				return nil, fmt.Errorf("count null keys: %w", err)
			}
			churnRate := 0.0
			if totalUsers > 0 {
				churnRate = float64(churnedUsers) / float64(totalUsers) * 100
			}
			nullRate := 0.0
			if totalUsers > 0 {
				nullRate = float64(nullKeys) / float64(totalUsers)
			}
			logger.Info("feature validation",
				"total_users", totalUsers,
				"churned_users", churnedUsers,
				"churn_rate_percent", churnRate,
			)
			return map[string]any{
				"total_users":        totalUsers,
				"churned_users":      churnedUsers,
				"churn_rate_percent": churnRate,
				"null_rate":          nullRate,
				"avg_total_spend":    avgSpend.Float64,
				"avg_session_count":  avgSessions.Float64,
			}, nil
		},

		"refresh_api_cache": func(ctx context.Context, in pipeline.Inputs) (any, error) {
			url := strings.TrimRight(featureAPIBase, "/") + "/refresh-cache"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				return nil, pipeline.NonRetryable(err)
			}
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("signal feature api: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return nil, fmt.Errorf("feature api refresh returned %d", resp.StatusCode)
			}
			return map[string]any{"cache_refresh": "requested"}, nil
		},
	}
}

// loadActivitiesCSV truncates and reloads the raw activities table from a
// CSV with header user_id,session_id,event_name,event_timestamp,device,app_version.
func loadActivitiesCSV(ctx context.Context, db *sql.DB, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, pipeline.NonRetryable(fmt.Errorf("open activities csv: %w", err))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return 0, pipeline.NonRetryable(fmt.Errorf("read csv header: %w", err))
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"user_id", "session_id", "event_name", "event_timestamp", "device", "app_version"} {
		if _, ok := col[required]; !ok {
			return 0, pipeline.NonRetryable(fmt.Errorf("activities csv missing column %q", required))
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE churn_analytics.raw_user_activities"); err != nil {
		return 0, fmt.Errorf("truncate activities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO churn_analytics.raw_user_activities
		(user_id, session_id, event_name, event_timestamp, device, app_version)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, pipeline.NonRetryable(fmt.Errorf("read csv row: %w", err))
		}
		userID, err := strconv.Atoi(strings.TrimSpace(record[col["user_id"]]))
		if err != nil {
			continue // malformed rows are dropped, matching the source feed
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[col["event_timestamp"]]))
		if err != nil {
			ts, err = time.Parse("2006-01-02 15:04:05", strings.TrimSpace(record[col["event_timestamp"]]))
			if err != nil {
				continue
			}
		}
		_, err = stmt.ExecContext(ctx,
			userID,
			record[col["session_id"]],
			record[col["event_name"]],
			ts,
			record[col["device"]],
			record[col["app_version"]],
		)
		if err != nil {
			return 0, fmt.Errorf("insert activity: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}
