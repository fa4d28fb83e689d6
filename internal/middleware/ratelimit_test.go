package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLimiter(t *testing.T, rate float64, burst int) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(rate, burst, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rl.Close)
	return rl
}

func okHandler(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	handler := okHandler(newLimiter(t, 10, 10))

	for i := range 10 {
		if rec := hit(handler, "192.168.1.1:5000"); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	rl := newLimiter(t, 1, 5)
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	handler := okHandler(rl)

	for range 5 {
		hit(handler, "192.168.1.1:5000")
	}

	rec := hit(handler, "192.168.1.1:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newLimiter(t, 2, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	handler := okHandler(rl)

	if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}

	now = now.Add(500 * time.Millisecond)
	if rec := hit(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Errorf("after refill: %d", rec.Code)
	}
}

func TestRateLimiterSetsHeaders(t *testing.T) {
	rec := hit(okHandler(newLimiter(t, 10, 10)), "192.168.1.1:5000")

	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := newLimiter(t, 1, 2)
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	handler := okHandler(rl)

	for range 2 {
		hit(handler, "10.0.0.1:1234")
	}
	if rec := hit(handler, "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("IP 10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("IP 10.0.0.2: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterCustomKey(t *testing.T) {
	rl := newLimiter(t, 1, 1)
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	handler := okHandler(rl.WithKey(func(*http.Request) string { return "shared" }))

	hit(handler, "10.0.0.1:1")
	if rec := hit(handler, "10.0.0.2:1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("shared bucket: expected 429, got %d", rec.Code)
	}
}

func TestNewRateLimiterRejectsBadConfig(t *testing.T) {
	if _, err := NewRateLimiter(0, 1, time.Minute); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := NewRateLimiter(1, 0, time.Minute); err == nil {
		t.Error("expected error for zero burst")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.1.2.3:4567"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	if got := ClientIP(req); got != "10.1.2.3" {
		t.Errorf("ClientIP = %q", got)
	}
	req.RemoteAddr = "no-port"
	if got := ClientIP(req); got != "no-port" {
		t.Errorf("ClientIP = %q", got)
	}
}
