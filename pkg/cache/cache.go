// Package cache defines the response cache shared by backend queries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finitoshi/chibi/pkg/models"
)

// DefaultTTL is how long a cached response may be reused.
const DefaultTTL = 60 * time.Second

// Cache maps a request key to a previously computed response. Entries are
// partitioned by capability so answers produced for one tier are never
// served to another. Concurrent Puts for the same key are last-write-wins.
type Cache interface {
	// Get returns the freshest non-expired value for key.
	Get(ctx context.Context, key, capability string) ([]byte, bool)
	// Put stores value as a new entry for key.
	Put(ctx context.Context, key, capability string, value []byte) error
}

// Maintainer is implemented by caches that can report and purge entries.
type Maintainer interface {
	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context, expiredOnly bool) error
}

// HashKey returns a fixed-length digest of a capability and key, for
// drivers that should not store raw prompt text in key names.
func HashKey(capability, key string) string {
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	items  map[string]models.CacheEntry
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates an in-memory cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, items: make(map[string]models.CacheEntry)}
}

// SetClock replaces the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(_ context.Context, key, capability string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[HashKey(capability, key)]
	if !ok || m.now().Sub(e.CachedAt) >= m.ttl {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.Value, true
}

func (m *Memory) Put(_ context.Context, key, capability string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[HashKey(capability, key)] = models.CacheEntry{
		Key:        key,
		Capability: capability,
		Value:      value,
		CachedAt:   m.now(),
	}
	return nil
}

func (m *Memory) Stats(_ context.Context) (models.CacheStats, error) {
	m.mu.Lock()
	n := len(m.items)
	m.mu.Unlock()
	return models.CacheStats{Entries: int64(n), Hits: m.hits.Load(), Misses: m.misses.Load()}, nil
}

func (m *Memory) Clear(_ context.Context, expiredOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !expiredOnly {
		m.items = make(map[string]models.CacheEntry)
		return nil
	}
	now := m.now()
	for k, e := range m.items {
		if now.Sub(e.CachedAt) >= m.ttl {
			delete(m.items, k)
		}
	}
	return nil
}
