// Package idempotency deduplicates retried schedule requests.
//
// A Record binds a client key to the hash of the first payload scheduled
// under it and the result returned for it. Replays with the same payload
// return the stored result; a different payload is a conflict.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/benbjohnson/clock"

	"github.com/roach88/tempo/internal/errs"
)

// Record is a stored schedule outcome.
type Record struct {
	Key         string    `json:"key"`
	PayloadHash string    `json:"payloadHash"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists records. Put is insert-if-absent: the first record for a
// key wins and later Puts are ignored.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
}

// Check looks key up and classifies the request.
//
// Returns the stored result and replay=true for a matching payload,
// IDEMPOTENCY_KEY_CONFLICT for a different one, and replay=false when the
// key is new.
func Check(ctx context.Context, s Store, key, payloadHash string) ([]byte, bool, error) {
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, errs.Wrap(errs.CodeInternal, err, "read idempotency record")
	}
	if !found {
		return nil, false, nil
	}
	if rec.PayloadHash != payloadHash {
		return nil, false, errs.IdempotencyConflict(key)
	}
	return rec.Result, true, nil
}

// MemoryStore keeps records in memory for a retention window, checked
// lazily on read.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	retention time.Duration
	clock     clock.Clock
}

// NewMemoryStore creates a store. retention <= 0 keeps records forever.
func NewMemoryStore(retention time.Duration, c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{records: make(map[string]Record), retention: retention, clock: c}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	if m.retention > 0 && m.clock.Since(rec.CreatedAt) > m.retention {
		m.mu.Lock()
		delete(m.records, key)
		m.mu.Unlock()
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.Key]; exists {
		return nil
	}
	m.records[rec.Key] = rec
	return nil
}

// Len returns the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Guard serializes requests that share an idempotency key, so two
// concurrent requests cannot both pass Check before either has Put.
type Guard struct {
	mm *mapmutex.Mutex
}

// NewGuard creates a guard that waits up to roughly half a second for a
// key held by another request.
func NewGuard() *Guard {
	return &Guard{
		// 50 retries, 50ms max delay, 100µs base delay, factor 1.5, jitter 0.2.
		mm: mapmutex.NewCustomizedMapMutex(50, float64(50*time.Millisecond), float64(100*time.Microsecond), 1.5, 0.2),
	}
}

// Acquire locks key. It fails with IDEMPOTENCY_KEY_CONFLICT when another
// request holds the key for too long.
func (g *Guard) Acquire(key string) (release func(), err error) {
	if !g.mm.TryLock(key) {
		return nil, errs.New(errs.CodeIdempotencyKeyConflict, "a request with idempotency key %q is in flight", key).
			WithDetail("idempotencyKey", key).
			WithDetail("reason", "in_flight").
			WithSuggestion("retry after the first request completes")
	}
	return func() { g.mm.Unlock(key) }, nil
}
