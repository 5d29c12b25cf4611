package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finitoshi/chibi/pkg/cache"
	"github.com/finitoshi/chibi/pkg/models"
)

// Cache is an exact-match response cache backed by SQLite. Every Put
// appends a row; Get returns the freshest row for a key and ignores it once
// it is older than the TTL. Expired rows are removed by Clear.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_key TEXT NOT NULL,
	capability TEXT NOT NULL,
	response BLOB NOT NULL,
	cached_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_lookup ON cache_entries(cache_key, capability, cached_at);
`

// New creates a Cache with the given database path and TTL. A non-positive
// TTL falls back to cache.DefaultTTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// SetClock replaces the time source, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Get retrieves the freshest cached response. Returns false if none exists
// or the freshest one has expired.
func (c *Cache) Get(ctx context.Context, key, capability string) ([]byte, bool) {
	var response []byte
	var cachedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT response, cached_at FROM cache_entries
		 WHERE cache_key = ? AND capability = ?
		 ORDER BY cached_at DESC, id DESC LIMIT 1`,
		key, capability,
	).Scan(&response, &cachedAt)

	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	if c.now().Sub(time.Unix(0, cachedAt)) >= c.ttl {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put appends a response to the cache.
func (c *Cache) Put(ctx context.Context, key, capability string, response []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, capability, response, cached_at) VALUES (?, ?, ?, ?)`,
		key, capability, response, c.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	var err error
	if expiredOnly {
		cutoff := c.now().Add(-c.ttl).UnixNano()
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cached_at <= ?`, cutoff)
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
