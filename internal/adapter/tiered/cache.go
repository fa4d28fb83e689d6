// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/runstream/internal/port/cache"
)

// Cache combines an in-process L1 with an optional shared L2. Reads fall
// through to L2 and backfill L1; concurrent L2 reads of one key are
// collapsed. Writes go to both levels.
type Cache struct {
	l1       cache.Cache[[]byte]
	l2       cache.Bytes
	l1Expire time.Duration
	group    singleflight.Group
}

// New creates a tiered cache. l2 may be nil for an L1-only cache.
// l1Expire controls how long L2 backfill entries live in L1.
func New(l1 cache.Cache[[]byte], l2 cache.Bytes, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

type l2Result struct {
	data  []byte
	found bool
}

// Get checks L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found := c.l1.Get(ctx, key); found {
		return val, true, nil
	}
	if c.l2 == nil {
		return nil, false, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		val, found, err := c.l2.Get(ctx, key)
		if err != nil || !found {
			return l2Result{}, err
		}
		if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
			slog.DebugContext(ctx, "l1 backfill failed", "key", key, "error", err)
		}
		return l2Result{data: val, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(l2Result)
	if shared && res.found {
		res.data = append([]byte(nil), res.data...)
	}
	return res.data, res.found, nil
}

// Set writes L1 first, then L2.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
