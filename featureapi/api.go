package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/featureline-labs/featureline-go/internal/featurecache"
)

// exportColumns fixes the CSV column order to the mart's column order.
var exportColumns = []string{
	"user_id",
	"email",
	"signup_date",
	"region",
	"channel",
	"user_tenure_days",
	"total_transactions",
	"successful_transactions",
	"total_spend_ngn",
	"avg_transaction_amount",
	"last_transaction_date",
	"days_since_last_transaction",
	"unique_sessions",
	"active_days",
	"page_views",
	"last_activity_date",
	"days_since_last_activity",
	"avg_session_duration_minutes",
	"cart_conversion_rate",
	"purchase_conversion_rate",
	"recency_score",
	"frequency_score",
	"monetary_score",
	"rfm_total_score",
	"user_lifecycle_stage",
	"churn_flag",
	"feature_created_at",
}

// exportArchiver is satisfied by *featurestore.ExportArchiver.
type exportArchiver interface {
	Archive(ctx context.Context, filename string, contentType string, body []byte) (string, string, error)
}

type featureAPI struct {
	logger  *slog.Logger
	cache   *featurecache.Service
	exports exportArchiver
}

func newFeatureAPI(logger *slog.Logger, cache *featurecache.Service, exports exportArchiver) *featureAPI {
	return &featureAPI{logger: logger, cache: cache, exports: exports}
}

func (api *featureAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /features", api.handleListFeatures)
	mux.HandleFunc("GET /features/stats", api.handleStats)
	mux.HandleFunc("GET /features/segments", api.handleSegments)
	mux.HandleFunc("GET /features/export", api.handleExport)
	mux.HandleFunc("GET /features/{user_id}", api.handleGetUser)
	mux.HandleFunc("POST /refresh-cache", api.handleRefreshCache)
	mux.HandleFunc("GET /cache/health", api.handleCacheHealth)
}

func (api *featureAPI) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	snap := api.cache.Snapshot()
	q := r.URL.Query()

	var predicates []featurecache.Predicate
	if raw := q.Get("churn_flag"); raw != "" {
		flag, err := strconv.Atoi(raw)
		if err != nil || (flag != 0 && flag != 1) {
			api.writeError(w, r, http.StatusBadRequest, "invalid_churn_flag")
			return
		}
		predicates = append(predicates, featurecache.Predicate{Field: "churn_flag", Op: featurecache.OpEq, Value: flag})
	}
	if raw := q.Get("region"); raw != "" {
		predicates = append(predicates, featurecache.Predicate{Field: "region", Op: featurecache.OpContains, Value: raw})
	}
	if raw := q.Get("channel"); raw != "" {
		predicates = append(predicates, featurecache.Predicate{Field: "channel", Op: featurecache.OpContains, Value: raw})
	}
	if raw := q.Get("lifecycle_stage"); raw != "" {
		predicates = append(predicates, featurecache.Predicate{Field: "user_lifecycle_stage", Op: featurecache.OpEq, Value: raw})
	}
	if raw := q.Get("min_spend"); raw != "" {
		minSpend, err := strconv.ParseFloat(raw, 64)
		if err != nil || minSpend < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_min_spend")
			return
		}
		predicates = append(predicates, featurecache.Predicate{Field: "total_spend_ngn", Op: featurecache.OpGte, Value: minSpend})
	}
	if raw := q.Get("max_days_inactive"); raw != "" {
		maxDays, err := strconv.Atoi(raw)
		if err != nil || maxDays < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_max_days_inactive")
			return
		}
		predicates = append(predicates, featurecache.Predicate{Field: "days_since_last_activity", Op: featurecache.OpLte, Value: maxDays})
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_offset")
			return
		}
		offset = n
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	page, total, err := featurecache.Query(snap, predicates, offset, limit)
	if err != nil {
		switch {
		case errors.Is(err, featurecache.ErrInvalidField), errors.Is(err, featurecache.ErrInvalidArgument):
			api.writeError(w, r, http.StatusBadRequest, "invalid_query")
		default:
			api.logger.Error("feature query failed", "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"total":       total,
		"offset":      offset,
		"count":       len(page),
		"snapshot_id": snap.ID(),
		"features":    page,
	})
}

func (api *featureAPI) handleGetUser(w http.ResponseWriter, r *http.Request) {
	snap := api.cache.Snapshot()
	userID := strings.TrimSpace(r.PathValue("user_id"))
	row, err := featurecache.Lookup(snap, userID)
	if err != nil {
		if errors.Is(err, featurecache.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "user_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, row)
}

func (api *featureAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := api.cache.Snapshot()
	if snap.Len() == 0 {
		api.writeError(w, r, http.StatusNotFound, "no_data")
		return
	}

	totals, err := featurecache.Aggregate(snap, nil, []featurecache.Metric{
		{Op: featurecache.AggCount},
		{Field: "churn_flag", Op: featurecache.AggSum},
		{Field: "total_spend_ngn", Op: featurecache.AggMean},
		{Field: "unique_sessions", Op: featurecache.AggMean},
		{Field: "user_tenure_days", Op: featurecache.AggMean},
	})
	if err != nil {
		api.logger.Error("stats aggregation failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	values := totals[0].Values
	totalUsers := int(values["count"])
	churnedUsers := int(values["sum_churn_flag"])
	churnRate := 0.0
	if totalUsers > 0 {
		churnRate = float64(churnedUsers) / float64(totalUsers) * 100
	}

	topRegions, err := api.topCounts(snap, "region", 5)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	topChannels, err := api.topCounts(snap, "channel", 5)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	lifecycle, err := featurecache.Aggregate(snap, []string{"user_lifecycle_stage"}, []featurecache.Metric{
		{Op: featurecache.AggCount},
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	lifecycleDistribution := make(map[string]int, len(lifecycle))
	for _, g := range lifecycle {
		stage, _ := g.Key["user_lifecycle_stage"].(string)
		lifecycleDistribution[stage] = int(g.Values["count"])
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"total_users":            totalUsers,
		"churned_users":          churnedUsers,
		"active_users":           totalUsers - churnedUsers,
		"churn_rate_percent":     round(churnRate, 2),
		"avg_total_spend":        round(values["mean_total_spend_ngn"], 2),
		"avg_session_count":      round(values["mean_unique_sessions"], 2),
		"avg_tenure_days":        round(values["mean_user_tenure_days"], 2),
		"top_regions":            topRegions,
		"top_channels":           topChannels,
		"lifecycle_distribution": lifecycleDistribution,
		"snapshot_id":            snap.ID(),
	})
}

func (api *featureAPI) topCounts(snap *featurecache.Snapshot, field string, n int) ([]map[string]any, error) {
	groups, err := featurecache.Aggregate(snap, []string{field}, []featurecache.Metric{
		{Op: featurecache.AggCount},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Values["count"] > groups[j].Values["count"]
	})
	if len(groups) > n {
		groups = groups[:n]
	}
	out := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		out = append(out, map[string]any{
			field:   g.Key[field],
			"count": int(g.Values["count"]),
		})
	}
	return out, nil
}

func (api *featureAPI) handleSegments(w http.ResponseWriter, r *http.Request) {
	snap := api.cache.Snapshot()
	if snap.Len() == 0 {
		api.writeError(w, r, http.StatusNotFound, "no_data")
		return
	}

	rfm, err := featurecache.Aggregate(snap,
		[]string{"recency_score", "frequency_score", "monetary_score"},
		[]featurecache.Metric{
			{Op: featurecache.AggCount},
			{Field: "churn_flag", Op: featurecache.AggMean},
			{Field: "total_spend_ngn", Op: featurecache.AggMean},
		})
	if err != nil {
		api.logger.Error("rfm segmentation failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	rfmSegments := make([]map[string]any, 0, len(rfm))
	for _, g := range rfm {
		rfmSegments = append(rfmSegments, map[string]any{
			"recency":    g.Key["recency_score"],
			"frequency":  g.Key["frequency_score"],
			"monetary":   g.Key["monetary_score"],
			"user_count": int(g.Values["count"]),
			"churn_rate": round(g.Values["mean_churn_flag"], 3),
			"avg_spend":  round(g.Values["mean_total_spend_ngn"], 2),
		})
	}

	lifecycle, err := featurecache.Aggregate(snap,
		[]string{"user_lifecycle_stage"},
		[]featurecache.Metric{
			{Op: featurecache.AggCount},
			{Field: "churn_flag", Op: featurecache.AggMean},
			{Field: "total_spend_ngn", Op: featurecache.AggMean},
			{Field: "unique_sessions", Op: featurecache.AggMean},
		})
	if err != nil {
		api.logger.Error("lifecycle segmentation failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	lifecycleSegments := make([]map[string]any, 0, len(lifecycle))
	for _, g := range lifecycle {
		lifecycleSegments = append(lifecycleSegments, map[string]any{
			"lifecycle_stage": g.Key["user_lifecycle_stage"],
			"user_count":      int(g.Values["count"]),
			"churn_rate":      round(g.Values["mean_churn_flag"], 3),
			"avg_spend":       round(g.Values["mean_total_spend_ngn"], 2),
			"avg_sessions":    round(g.Values["mean_unique_sessions"], 1),
		})
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"rfm_segments":       rfmSegments,
		"lifecycle_segments": lifecycleSegments,
		"total_users":        snap.Len(),
		"analysis_timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *featureAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	snap := api.cache.Snapshot()
	q := r.URL.Query()

	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_format")
		return
	}

	rows := snap.Rows()
	suffix := ""
	if raw := q.Get("churn_flag"); raw != "" {
		flag, err := strconv.Atoi(raw)
		if err != nil || (flag != 0 && flag != 1) {
			api.writeError(w, r, http.StatusBadRequest, "invalid_churn_flag")
			return
		}
		filtered := make([]featurecache.Row, 0, len(rows))
		for _, row := range rows {
			if churnFlagValue(row["churn_flag"]) == flag {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
		suffix = fmt.Sprintf("_churn_%d", flag)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	filename := fmt.Sprintf("churn_features%s_%s.%s", suffix, timestamp, format)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	var buf bytes.Buffer
	contentType := "text/csv"
	if format == "json" {
		contentType = "application/json"
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(true)
		_ = enc.Encode(rows)
	} else {
		writer := csv.NewWriter(&buf)
		_ = writer.Write(exportColumns)
		record := make([]string, len(exportColumns))
		for _, row := range rows {
			for i, col := range exportColumns {
				record[i] = formatCSV(row[col])
			}
			_ = writer.Write(record)
		}
		writer.Flush()
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())

	api.archiveExport(filename, contentType, buf.Bytes())
}

// archiveExport stores a copy of the export off the request path. A lost
// copy never fails the download.
func (api *featureAPI) archiveExport(filename string, contentType string, body []byte) {
	if api.exports == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key, sha, err := api.exports.Archive(ctx, filename, contentType, body)
		if err != nil {
			api.logger.Error("export archive failed", "filename", filename, "error", err)
			return
		}
		api.logger.Info("export archived", "key", key, "sha256", sha)
	}()
}

func (api *featureAPI) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := api.cache.Refresh(ctx); err != nil {
			api.logger.Error("cache refresh failed", "error", err)
			return
		}
		api.logger.Info("cache refresh completed")
	}()

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"message":   "cache refresh initiated",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *featureAPI) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	health := api.cache.Health()
	api.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id":     health.SnapshotID,
		"row_count":       health.RowCount,
		"created_at":      health.CreatedAt.Format(time.RFC3339),
		"age_seconds":     int64(health.Age.Seconds()),
		"refreshing":      health.Refreshing,
		"last_refresh_at": health.LastRefreshAt.Format(time.RFC3339),
		"last_error":      health.LastError,
	})
}

func churnFlagValue(v any) int {
	switch typed := v.(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return -1
	}
}

func formatCSV(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		if typed == math.Trunc(typed) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int:
		return strconv.Itoa(typed)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func round(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func (api *featureAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *featureAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
