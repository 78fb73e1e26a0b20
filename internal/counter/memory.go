package counter

import (
	"context"
	"sync"
	"time"
)

const defaultPurgeEvery = 1024

type memEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the degraded-mode store. Counts are exact within one
// process only; a multi-instance deployment over-admits in proportion to the
// instance count while it is in use.
//
// Expiry is lazy: an expired entry is dropped when its key is next touched,
// and every purgeEvery increments the whole map is scanned once so keys for
// past slots do not accumulate. No goroutine is started.
type MemoryStore struct {
	mu         sync.Mutex
	m          map[string]*memEntry
	ops        int
	purgeEvery int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:          make(map[string]*memEntry),
		purgeEvery: defaultPurgeEvery,
	}
}

func (m *MemoryStore) IncrementAndCheck(ctx context.Context, req Request) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := req.validate(); err != nil {
		return 0, err
	}
	now := req.At
	if now.IsZero() {
		now = time.Now()
	}
	key := req.Key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.m[key]
	if e != nil && !now.Before(e.expiresAt) {
		delete(m.m, key)
		e = nil
	}
	if e == nil {
		e = &memEntry{}
		m.m[key] = e
	}
	e.count++
	e.expiresAt = req.ExpiresAt()

	m.ops++
	if m.ops >= m.purgeEvery {
		m.ops = 0
		m.purgeLocked(now)
	}
	return e.count, nil
}

func (m *MemoryStore) purgeLocked(now time.Time) {
	for k, e := range m.m {
		if !now.Before(e.expiresAt) {
			delete(m.m, k)
		}
	}
}

// Len reports the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Close() error { return nil }
