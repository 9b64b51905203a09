// Package featurestore reads the churn feature mart from Postgres and
// archives pipeline run reports to the object store.
package featurestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/featureline-labs/featureline-go/internal/featurecache"
)

const featureQuery = `
SELECT
    user_id,
    email,
    signup_date,
    region,
    channel,
    user_tenure_days,
    total_transactions,
    successful_transactions,
    total_spend_ngn,
    COALESCE(avg_transaction_amount, 0) AS avg_transaction_amount,
    last_transaction_date,
    days_since_last_transaction,
    unique_sessions,
    active_days,
    page_views,
    last_activity_date,
    days_since_last_activity,
    COALESCE(avg_session_duration_minutes, 0) AS avg_session_duration_minutes,
    COALESCE(cart_conversion_rate, 0) AS cart_conversion_rate,
    COALESCE(purchase_conversion_rate, 0) AS purchase_conversion_rate,
    recency_score,
    frequency_score,
    monetary_score,
    rfm_total_score,
    user_lifecycle_stage,
    churn_flag,
    feature_created_at
FROM churn_marts.churn_features
ORDER BY user_id`

// Loader reads the full churn_features mart.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// Load fetches every feature row. Date columns come back as RFC 3339
// strings so rows serialize directly; numeric NULLs are coalesced to 0
// in the query and the rest surface as nil.
func (l *Loader) Load(ctx context.Context) ([]featurecache.Row, error) {
	rows, err := l.db.QueryContext(ctx, featureQuery)
	if err != nil {
		return nil, fmt.Errorf("query churn_features: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []featurecache.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan churn_features: %w", err)
		}
		row := make(featurecache.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate churn_features: %w", err)
	}
	return out, nil
}

func normalize(v any) any {
	switch typed := v.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
