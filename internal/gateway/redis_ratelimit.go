package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// 🌐 Redis 分布式限流后端
// =============================================================================

// RateLimiterBackend is satisfied by both the in-memory RateLimiter (via
// memoryRateLimiterBackend) and RedisRateLimiter, so the HTTP middleware
// layer can switch backends purely via config.
type RateLimiterBackend interface {
	Allow(ctx context.Context, key string) (RateLimitResult, error)
}

type memoryRateLimiterBackend struct {
	*RateLimiter
}

// NewMemoryRateLimiterBackend adapts an in-process RateLimiter to the
// context-aware RateLimiterBackend interface.
func NewMemoryRateLimiterBackend(r *RateLimiter) RateLimiterBackend {
	return memoryRateLimiterBackend{r}
}

func (m memoryRateLimiterBackend) Allow(_ context.Context, key string) (RateLimitResult, error) {
	return m.RateLimiter.Allow(key), nil
}

// RedisRateLimiter enforces the same two-window (per-minute/per-hour) request
// budget as RateLimiter, but keeps the counters in Redis so every gateway
// replica behind a load balancer shares one budget per key instead of each
// replica enforcing its own. Intended as an optional, config-selected
// alternative — the in-memory limiter remains the default.
type RedisRateLimiter struct {
	client    *redis.Client
	perMinute int
	perHour   int
}

// NewRedisRateLimiter connects to the given Redis address and builds a
// limiter with the given per-minute/per-hour caps.
func NewRedisRateLimiter(addr string, perMinute, perHour int) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		perMinute: perMinute,
		perHour:   perHour,
	}
}

// Allow increments the minute counter for key and, only when that stays
// within budget, the hour counter, and reports whether the request stays
// within both budgets. Each counter lives under a
// key namespaced by its own window bucket (unix-time divided by window
// length) so Redis's TTL expiry does the bucket rotation for us.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	now := time.Now()
	minuteKey := fmt.Sprintf("gwrl:%s:m:%d", key, now.Unix()/int64(minuteWindow.Seconds()))
	hourKey := fmt.Sprintf("gwrl:%s:h:%d", key, now.Unix()/int64(hourWindow.Seconds()))

	minuteCount, err := r.incrWithExpiry(ctx, minuteKey, minuteWindow)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("redis rate limiter: %w", err)
	}
	if minuteCount > int64(r.perMinute) {
		return RateLimitResult{Allowed: false, RetryAfterSeconds: r.retryAfter(ctx, minuteKey, minuteWindow)}, nil
	}

	hourCount, err := r.incrWithExpiry(ctx, hourKey, hourWindow)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("redis rate limiter: %w", err)
	}
	if hourCount > int64(r.perHour) {
		return RateLimitResult{Allowed: false, RetryAfterSeconds: r.retryAfter(ctx, hourKey, hourWindow)}, nil
	}

	return RateLimitResult{Allowed: true}, nil
}

func (r *RedisRateLimiter) incrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		r.client.Expire(ctx, key, window)
	}
	return count, nil
}

func (r *RedisRateLimiter) retryAfter(ctx context.Context, key string, window time.Duration) int64 {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return int64(window.Seconds())
	}
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Close releases the underlying Redis connection pool.
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
