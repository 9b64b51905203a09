// Package featurecache keeps a fully materialized feature table in memory
// behind an atomic pointer. Reads never block; refreshes build a new
// Snapshot off to the side and swap it in whole.
package featurecache

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrRefreshFailed     = errors.New("feature cache refresh failed")
	ErrLoaderUnavailable = errors.New("feature loader unavailable")
	ErrInvalidField      = errors.New("unknown field")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
)

// Row is one feature record keyed by column name.
type Row map[string]any

// Snapshot is an immutable view of the feature table at one load. All
// fields are fixed at construction; concurrent readers share it freely.
type Snapshot struct {
	id        int64
	createdAt time.Time
	keyField  string
	rows      []Row
	index     map[string]int
	fields    map[string]struct{}
}

func newSnapshot(id int64, createdAt time.Time, keyField string, rows []Row) (*Snapshot, error) {
	s := &Snapshot{
		id:        id,
		createdAt: createdAt,
		keyField:  keyField,
		rows:      rows,
		index:     make(map[string]int, len(rows)),
		fields:    make(map[string]struct{}),
	}
	for i, row := range rows {
		v, ok := row[keyField]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: row %d is missing key field %q", ErrRefreshFailed, i, keyField)
		}
		// Later rows win on duplicate keys, matching an ORDER BY load.
		s.index[keyString(v)] = i
		for field := range row {
			s.fields[field] = struct{}{}
		}
	}
	return s, nil
}

func (s *Snapshot) ID() int64            { return s.id }
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }
func (s *Snapshot) Len() int             { return len(s.rows) }

func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// Rows returns the backing slice. Callers must not mutate it.
func (s *Snapshot) Rows() []Row { return s.rows }

func (s *Snapshot) hasField(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// keyString canonicalizes a key value for index lookups, so that a key
// loaded as int64 and queried as string still matches.
func keyString(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case int:
		return strconv.Itoa(k)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case int64:
		return strconv.FormatInt(k, 10)
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", k)
	}
}
