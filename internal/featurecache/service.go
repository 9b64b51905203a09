package featurecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultTTL            = 30 * time.Minute
	defaultKeyField       = "user_id"
	defaultRefreshTimeout = 2 * time.Minute
)

// Loader fetches the full feature table from the backing store.
type Loader func(ctx context.Context) ([]Row, error)

// Config tunes a Service. Zero values take defaults.
type Config struct {
	// KeyField is the column used for point lookups.
	KeyField string
	// TTL is the snapshot age beyond which reads trigger a background
	// refresh. Reads still serve the stale snapshot.
	TTL time.Duration
	// RefreshTimeout bounds background refreshes triggered by TTL expiry.
	RefreshTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyField == "" {
		c.KeyField = defaultKeyField
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	return c
}

// Health describes the cache for readiness and monitoring endpoints.
type Health struct {
	SnapshotID    int64         `json:"snapshot_id"`
	RowCount      int           `json:"row_count"`
	CreatedAt     time.Time     `json:"created_at"`
	Age           time.Duration `json:"age"`
	Refreshing    bool          `json:"refreshing"`
	LastRefreshAt time.Time     `json:"last_refresh_at,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
}

func (h Health) RefreshFailed() bool { return h.LastError != "" }

type refreshOutcome struct {
	snapshotID int64
	err        error
}

// Service owns the live snapshot. A failed refresh never disturbs the
// snapshot currently being served.
type Service struct {
	cfg    Config
	loader Loader
	now    func() time.Time

	live   atomic.Pointer[Snapshot]
	nextID atomic.Int64

	mu            sync.Mutex
	refreshing    bool
	waiters       []chan refreshOutcome
	lastRefreshAt time.Time
	lastErr       error
}

func NewService(cfg Config, loader Loader) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		loader: loader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	empty, _ := newSnapshot(0, s.now(), s.cfg.KeyField, nil)
	s.live.Store(empty)
	return s
}

// Snapshot returns the live snapshot without blocking. When the snapshot
// has aged past the TTL a background refresh is kicked off; the caller
// still gets the current snapshot.
func (s *Service) Snapshot() *Snapshot {
	snap := s.live.Load()
	if snap.Age(s.now()) > s.cfg.TTL {
		s.refreshAsync()
	}
	return snap
}

// Refresh reloads the table and swaps the snapshot. If a refresh is
// already in flight the call coalesces onto it instead of starting
// another load.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshing {
		ch := make(chan refreshOutcome, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		select {
		case out := <-ch:
			return out.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.refreshing = true
	s.mu.Unlock()

	err := s.doRefresh(ctx)
	s.settle(err)
	return err
}

// refreshAsync starts a TTL-triggered refresh unless one is in flight.
func (s *Service) refreshAsync() {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()
		err := s.doRefresh(ctx)
		s.settle(err)
	}()
}

func (s *Service) doRefresh(ctx context.Context) error {
	rows, err := s.loader(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrRefreshFailed, ErrLoaderUnavailable, err)
	}
	snap, err := newSnapshot(s.nextID.Add(1), s.now(), s.cfg.KeyField, rows)
	if err != nil {
		return err
	}
	s.live.Store(snap)
	return nil
}

// settle records the refresh outcome and releases coalesced waiters.
func (s *Service) settle(err error) {
	id := s.live.Load().ID()
	s.mu.Lock()
	s.refreshing = false
	s.lastRefreshAt = s.now()
	s.lastErr = err
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshOutcome{snapshotID: id, err: err}
	}
}

func (s *Service) Health() Health {
	snap := s.live.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		SnapshotID:    snap.ID(),
		RowCount:      snap.Len(),
		CreatedAt:     snap.CreatedAt(),
		Age:           snap.Age(s.now()),
		Refreshing:    s.refreshing,
		LastRefreshAt: s.lastRefreshAt,
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}
