package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether the caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter is a fixed-window limiter shared by every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisRateLimiter allows limit requests per window for each key.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "transfa:ledger_rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmed, limit: limit, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return true, 0, nil
	}
	windowMs := l.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, windowMs).Result()
	if err != nil {
		return true, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count > int64(l.limit) {
		return false, time.Duration(ttlMs) * time.Millisecond, nil
	}
	return true, 0, nil
}

// defaultMaxTrackedClients bounds the per-client buckets kept by MemoryRateLimiter.
const defaultMaxTrackedClients = 10000

// MemoryRateLimiter keeps one token bucket per key in process memory. The least recently
// seen clients are evicted once maxClients buckets exist; an evicted client starts over
// with a full bucket.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewMemoryRateLimiter allows perMinute requests per key, with bursts up to perMinute.
func NewMemoryRateLimiter(perMinute int) *MemoryRateLimiter {
	return newMemoryRateLimiter(perMinute, defaultMaxTrackedClients)
}

func newMemoryRateLimiter(perMinute, maxClients int) *MemoryRateLimiter {
	if maxClients <= 0 {
		maxClients = defaultMaxTrackedClients
	}
	// lru.New only fails on a non-positive size.
	limiters, _ := lru.New[string, *rate.Limiter](maxClients)
	return &MemoryRateLimiter{
		limiters: limiters,
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.burst <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, limiter)
	}
	l.mu.Unlock()

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0, nil
	}
	reservation.Cancel()
	return false, delay, nil
}

// RateLimitMiddleware rejects callers over their budget with 429. Limiter errors fail open.
func RateLimitMiddleware(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", slog.Any("error", err))
			}
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondWithJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
