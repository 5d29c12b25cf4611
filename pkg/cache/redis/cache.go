// Package redis stores cached responses in Redis with native key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/finitoshi/chibi/pkg/cache"
	"github.com/finitoshi/chibi/pkg/models"
)

const keyPrefix = "chibi:cache:"

// Cache is a response cache on Redis. SET overwrites, so concurrent writers
// for one key are last-write-wins and only the freshest value is kept.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options, ttl time.Duration) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func key(k, capability string) string {
	return keyPrefix + cache.HashKey(capability, k)
}

// Get returns the cached value if Redis still holds it.
func (c *Cache) Get(ctx context.Context, k, capability string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key(k, capability)).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Put stores a value with the cache TTL.
func (c *Cache) Put(ctx context.Context, k, capability string, value []byte) error {
	if err := c.client.Set(ctx, key(k, capability), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats counts keys under the cache prefix.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var n int64
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}, nil
}

// Clear deletes every cache key. Redis expires keys on its own, so
// expiredOnly is a no-op.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	if expiredOnly {
		return nil
	}
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("cache clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
