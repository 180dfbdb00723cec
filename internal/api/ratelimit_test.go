package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryRateLimiter(t *testing.T) {
	limiter := NewMemoryRateLimiter(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := limiter.Allow(ctx, "10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retryAfter, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("third request should be limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", retryAfter)
	}
	if ok, _, _ := limiter.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatal("other clients have their own budget")
	}
}

func TestMemoryRateLimiterBoundsTrackedClients(t *testing.T) {
	limiter := newMemoryRateLimiter(1, 2)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if ok, _, _ := limiter.Allow(ctx, ip); !ok {
			t.Fatalf("first request from %s should be allowed", ip)
		}
	}
	if got := limiter.limiters.Len(); got != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", got)
	}
	if ok, _, _ := limiter.Allow(ctx, "10.0.0.3"); ok {
		t.Fatal("recent client must keep its spent budget")
	}
	if ok, _, _ := limiter.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatal("evicted client starts with a fresh bucket")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	limited := RateLimitMiddleware(NewMemoryRateLimiter(1), discardLogger())(next)
	req := httptest.NewRequest(http.MethodGet, "/payments/status", nil)
	req.RemoteAddr = "192.0.2.1:5000"

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	failOpen := RateLimitMiddleware(failingLimiter{}, discardLogger())(next)
	rec = httptest.NewRecorder()
	failOpen.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter errors must fail open, got %d", rec.Code)
	}
}

func TestRedisRateLimiterDisabledWithoutClient(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "", 10, time.Minute)
	if limiter.prefix != "transfa:ledger_rate_limit" {
		t.Fatalf("unexpected default prefix %q", limiter.prefix)
	}
	ok, _, err := limiter.Allow(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("expected allow without client, got ok=%v err=%v", ok, err)
	}
}
