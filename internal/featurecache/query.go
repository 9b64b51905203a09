package featurecache

import (
	"fmt"
	"strings"
)

const (
	// MaxLimit caps one page of results.
	MaxLimit = 10000
	// DefaultLimit applies when the caller passes limit 0.
	DefaultLimit = 100
)

// Op is a predicate operator. OpContains is a case-insensitive substring
// match on the string form of the field; the rest compare numerically
// where both sides coerce, falling back to string comparison.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpContains Op = "contains"
)

// Predicate is one field condition. Predicates combine conjunctively.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Query filters a snapshot and returns one page plus the total number of
// matching rows. An offset at or past the total yields an empty page with
// the total intact.
func Query(s *Snapshot, predicates []Predicate, offset, limit int) ([]Row, int, error) {
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset %d", ErrInvalidArgument, offset)
	}
	if limit < 0 || limit > MaxLimit {
		return nil, 0, fmt.Errorf("%w: limit %d (max %d)", ErrInvalidArgument, limit, MaxLimit)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	for _, p := range predicates {
		if !s.hasField(p.Field) {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidField, p.Field)
		}
		switch p.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains:
		default:
			return nil, 0, fmt.Errorf("%w: operator %q", ErrInvalidArgument, p.Op)
		}
	}

	var matched []Row
	for _, row := range s.rows {
		if matchesAll(row, predicates) {
			matched = append(matched, row)
		}
	}
	total := len(matched)
	if offset >= total {
		return []Row{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Lookup fetches one row by key field value in constant time.
func Lookup(s *Snapshot, key string) (Row, error) {
	i, ok := s.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s=%s", ErrNotFound, s.keyField, key)
	}
	return s.rows[i], nil
}

// AggregateOp selects the rollup applied to a metric field per group.
type AggregateOp string

const (
	AggCount AggregateOp = "count"
	AggSum   AggregateOp = "sum"
	AggMean  AggregateOp = "mean"
)

// Metric is one rollup in an aggregation.
type Metric struct {
	Field string
	Op    AggregateOp
}

func (m Metric) Name() string {
	if m.Op == AggCount {
		return "count"
	}
	return fmt.Sprintf("%s_%s", m.Op, m.Field)
}

// GroupRow is one aggregated group, keyed by the group-by field values.
type GroupRow struct {
	Key    map[string]any     `json:"key"`
	Values map[string]float64 `json:"values"`
}

// Aggregate groups snapshot rows and computes the metrics per group.
// Groups appear in row order of first occurrence. A mean over a group
// where no row has a numeric value reports 0.
func Aggregate(s *Snapshot, groupBy []string, metrics []Metric) ([]GroupRow, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%w: at least one metric is required", ErrInvalidArgument)
	}
	for _, f := range groupBy {
		if !s.hasField(f) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidField, f)
		}
	}
	for _, m := range metrics {
		switch m.Op {
		case AggCount:
		case AggSum, AggMean:
			if !s.hasField(m.Field) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidField, m.Field)
			}
		default:
			return nil, fmt.Errorf("%w: aggregate %q", ErrInvalidArgument, m.Op)
		}
	}

	type bucket struct {
		key    map[string]any
		count  float64
		sums   map[string]float64
		counts map[string]float64
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, row := range s.rows {
		parts := make([]string, len(groupBy))
		key := make(map[string]any, len(groupBy))
		for i, f := range groupBy {
			parts[i] = keyString(row[f])
			key[f] = row[f]
		}
		gk := strings.Join(parts, "\x1f")
		b, ok := buckets[gk]
		if !ok {
			b = &bucket{key: key, sums: make(map[string]float64), counts: make(map[string]float64)}
			buckets[gk] = b
			order = append(order, gk)
		}
		b.count++
		for _, m := range metrics {
			if m.Op == AggCount {
				continue
			}
			if v, ok := toNumber(row[m.Field]); ok {
				b.sums[m.Field] += v
				b.counts[m.Field]++
			}
		}
	}

	out := make([]GroupRow, 0, len(order))
	for _, gk := range order {
		b := buckets[gk]
		values := make(map[string]float64, len(metrics))
		for _, m := range metrics {
			switch m.Op {
			case AggCount:
				values[m.Name()] = b.count
			case AggSum:
				values[m.Name()] = b.sums[m.Field]
			case AggMean:
				if n := b.counts[m.Field]; n > 0 {
					values[m.Name()] = b.sums[m.Field] / n
				} else {
					values[m.Name()] = 0
				}
			}
		}
		out = append(out, GroupRow{Key: b.key, Values: values})
	}
	return out, nil
}

func matchesAll(row Row, predicates []Predicate) bool {
	for _, p := range predicates {
		if !matches(row, p) {
			return false
		}
	}
	return true
}

func matches(row Row, p Predicate) bool {
	v, ok := row[p.Field]
	if !ok {
		return false
	}
	if p.Op == OpContains {
		want, isStr := p.Value.(string)
		if !isStr {
			want = keyString(p.Value)
		}
		return strings.Contains(strings.ToLower(keyString(v)), strings.ToLower(want))
	}

	if vn, ok1 := toNumber(v); ok1 {
		if pn, ok2 := toNumber(p.Value); ok2 {
			return compareOrdered(vn, pn, p.Op)
		}
	}
	switch p.Op {
	case OpEq:
		return keyString(v) == keyString(p.Value)
	case OpNe:
		return keyString(v) != keyString(p.Value)
	default:
		cmp := strings.Compare(keyString(v), keyString(p.Value))
		return compareOrdered(float64(cmp), 0, p.Op)
	}
}

func compareOrdered(a, b float64, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
