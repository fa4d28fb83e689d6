// Package ristretto implements the cache port using dgraph-io/ristretto as
// an in-process cache.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache. Every entry costs 1, so the capacity is
// a number of entries.
type Cache[V any] struct {
	c *ristretto.Cache[string, V]
}

// New creates a cache holding up to maxEntries values.
func New[V any](maxEntries int64) (*Cache[V], error) {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: maxEntries * 10, // ~10x expected items
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Count entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache[V]) Get(_ context.Context, key string) (V, bool) {
	return c.c.Get(key)
}

// Set stores a value and waits until it is visible to Get. Ristretto may
// still drop the entry under admission pressure.
func (c *Cache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, 1, ttl)
	c.c.Wait()
	return nil
}

// Delete removes a value from the cache.
func (c *Cache[V]) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache[V]) Close() {
	c.c.Close()
}
