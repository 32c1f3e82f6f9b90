package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/glmrelay/proxy/rollingwindow"
)

// Backend is a durable persistence adapter. The Store wraps one of these
// with an in-memory hot layer so reads never touch disk.
type Backend interface {
	LoadAll(ctx context.Context) (map[Key]*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key Key) error
	Close() error
}

// Store is the tenant-facing lookup surface. The in-memory map leads the
// disk: writes go to the backend first, then to the map, so a reader never
// observes a record the backend hasn't committed yet.
type Store struct {
	backend Backend
	hot     *xsync.Map[Key, *Record]
	locks   sync.Map // Key -> *sync.Mutex, serializes writes per tenant key
}

func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	all, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	s := &Store{backend: backend, hot: xsync.NewMap[Key, *Record]()}
	for k, rec := range all {
		s.hot.Store(k, rec)
	}
	return s, nil
}

func (s *Store) lockFor(key Key) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lookup returns the live record for key, or ErrNotFound.
func (s *Store) Lookup(key Key) (*Record, error) {
	rec, ok := s.hot.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Create inserts a new record, failing with ErrConflict if the key exists.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	mu := s.lockFor(rec.Key)
	mu.Lock()
	defer mu.Unlock()
	if _, exists := s.hot.Load(rec.Key); exists {
		return ErrConflict
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return err
	}
	s.hot.Store(rec.Key, rec)
	return nil
}

// Update applies mutate to a copy of key's record and persists the result
// (key itself is immutable). Fails with ErrNotFound if the tenant does not
// exist.
func (s *Store) Update(ctx context.Context, key Key, mutate func(*Record) error) (*Record, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	existing, ok := s.hot.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	clone := *existing
	if err := mutate(&clone); err != nil {
		return nil, err
	}
	clone.Key = key
	if err := s.backend.Save(ctx, &clone); err != nil {
		return nil, err
	}
	s.hot.Store(key, &clone)
	return &clone, nil
}

// Delete removes a tenant record entirely.
func (s *Store) Delete(ctx context.Context, key Key) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if _, ok := s.hot.Load(key); !ok {
		return ErrNotFound
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	s.hot.Delete(key)
	return nil
}

// RecordUsage applies the rate limiter's record(tenant, n, nowMillis)
// contract: it adds n tokens to key's rolling window and persists the
// result. It holds the same per-key lock as Create, Update and Delete, so
// an accounting update never clobbers, or is clobbered by, a concurrent
// write to the same key.
func (s *Store) RecordUsage(ctx context.Context, key Key, n int64, now time.Time) (*Record, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := s.hot.Load(key)
	if !ok {
		return nil, ErrNotFound
	}

	window := rollingwindow.Load(rec.RollingWindow)
	if n > 0 {
		window.Add(now.UnixMilli(), n)
	}

	clone := *rec
	clone.RollingWindow = window.Serialize()
	clone.LastUsed = now
	clone.LifetimeTokens += n
	if err := s.backend.Save(ctx, &clone); err != nil {
		return nil, err
	}
	s.hot.Store(key, &clone)
	return &clone, nil
}

// Iterate calls fn for every live tenant record. fn must not mutate rec.
func (s *Store) Iterate(fn func(key Key, rec *Record) bool) {
	s.hot.Range(func(key Key, rec *Record) bool {
		return fn(key, rec)
	})
}

// Reload discards the hot layer and re-reads every record from the
// backend, picking up records written to the backend by another process.
// The store never calls it itself; NewStore does its own initial load.
func (s *Store) Reload(ctx context.Context) error {
	all, err := s.backend.LoadAll(ctx)
	if err != nil {
		return err
	}
	fresh := xsync.NewMap[Key, *Record]()
	for k, rec := range all {
		fresh.Store(k, rec)
	}
	s.hot = fresh
	return nil
}

func (s *Store) Close() error { return s.backend.Close() }
