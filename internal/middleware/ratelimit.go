package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/runstream/internal/adapter/ristretto"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RateLimiter is token bucket rate limiting middleware. Buckets live in a
// bounded cache and expire after idleTTL; an evicted bucket starts full.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *ristretto.Cache[*bucket]
	rate    float64 // tokens per second
	burst   int     // max tokens
	idleTTL time.Duration
	key     KeyFunc
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewRateLimiter creates a rate limiter with the given sustained rate
// (requests per second) and burst size, keyed by client IP.
func NewRateLimiter(rate float64, burst int, idleTTL time.Duration) (*RateLimiter, error) {
	if rate <= 0 || burst < 1 {
		return nil, fmt.Errorf("rate limiter: rate %v and burst %d must be positive", rate, burst)
	}
	buckets, err := ristretto.New[*bucket](100_000)
	if err != nil {
		return nil, fmt.Errorf("rate limiter buckets: %w", err)
	}
	return &RateLimiter{
		buckets: buckets,
		rate:    rate,
		burst:   burst,
		idleTTL: idleTTL,
		key:     ClientIP,
		now:     time.Now,
	}, nil
}

// WithKey charges requests to the bucket chosen by fn instead of the client IP.
func (rl *RateLimiter) WithKey(fn KeyFunc) *RateLimiter {
	rl.key = fn
	return rl
}

// Handler returns HTTP middleware that enforces the limit.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.allow(r.Context(), rl.key(r))

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many runs started, retry later"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow takes one token from key's bucket. It returns the tokens left,
// seconds until the next token, and whether the request may proceed.
func (rl *RateLimiter) allow(ctx context.Context, key string) (remaining int, retryAfter float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets.Get(ctx, key)
	if !ok {
		b = &bucket{tokens: float64(rl.burst), updatedAt: now}
		_ = rl.buckets.Set(ctx, key, b, rl.idleTTL)
	}

	b.tokens = math.Min(float64(rl.burst), b.tokens+now.Sub(b.updatedAt).Seconds()*rl.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// Close releases the bucket cache.
func (rl *RateLimiter) Close() {
	rl.buckets.Close()
}

// ClientIP extracts the client IP from RemoteAddr. Proxy headers are not
// trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
