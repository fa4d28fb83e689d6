// Package cache defines the port interfaces for caching.
package cache

import (
	"context"
	"time"
)

// Cache is a typed in-process key-value cache. A zero ttl means no expiry.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Bytes is a byte cache that may be remote, so lookups can fail.
type Bytes interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
