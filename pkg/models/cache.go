package models

import "time"

// CacheEntry stores a cached backend response.
type CacheEntry struct {
	Key        string    `json:"key"`
	Capability string    `json:"capability"`
	Value      []byte    `json:"value"`
	CachedAt   time.Time `json:"cached_at"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
