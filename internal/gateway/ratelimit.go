package gateway

import (
	"sync"
	"time"
)

const (
	minuteWindow = 60 * time.Second
	hourWindow   = 60 * time.Minute
	bucketTTL    = 2 * time.Hour
)

// tokenBucketState is the per-key two-window counter pair. Refill is lazy:
// a window's remaining count is reset to its max only when a whole window
// has elapsed since that window last reset, not refilled continuously or
// proportionally. This matches a simple fixed-window counter rather than a
// true rolling token bucket, and is deliberately cheap to compute.
type tokenBucketState struct {
	minuteRemaining int
	minuteResetAt   time.Time
	hourRemaining   int
	hourResetAt     time.Time
	lastSeen        time.Time
}

// RateLimitResult reports whether a request is allowed and, if not, how
// long the caller should wait before retrying.
type RateLimitResult struct {
	Allowed          bool
	RetryAfterSeconds int64
}

// RateLimiter enforces a per-key (typically a hashed credential) two-window
// request budget: a per-minute cap and a per-hour cap, both of which must
// have remaining capacity for a request to be allowed.
type RateLimiter struct {
	mu                sync.Mutex
	buckets           map[string]*tokenBucketState
	perMinute         int
	perHour           int
	now               func() time.Time
}

// NewRateLimiter builds a limiter with the given per-minute/per-hour caps.
func NewRateLimiter(perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*tokenBucketState),
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// Allow checks and consumes one unit of budget for key, lazily resetting
// whichever window(s) have fully elapsed since their last reset.
func (r *RateLimiter) Allow(key string) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok {
		b = &tokenBucketState{
			minuteRemaining: r.perMinute,
			minuteResetAt:   now,
			hourRemaining:   r.perHour,
			hourResetAt:     now,
		}
		r.buckets[key] = b
	}
	b.lastSeen = now

	if now.Sub(b.minuteResetAt) >= minuteWindow {
		elapsedWindows := int64(now.Sub(b.minuteResetAt) / minuteWindow)
		b.minuteRemaining = r.perMinute
		b.minuteResetAt = b.minuteResetAt.Add(time.Duration(elapsedWindows) * minuteWindow)
	}
	if now.Sub(b.hourResetAt) >= hourWindow {
		elapsedWindows := int64(now.Sub(b.hourResetAt) / hourWindow)
		b.hourRemaining = r.perHour
		b.hourResetAt = b.hourResetAt.Add(time.Duration(elapsedWindows) * hourWindow)
	}

	if b.minuteRemaining <= 0 {
		retryAfter := int64((minuteWindow - now.Sub(b.minuteResetAt)).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return RateLimitResult{Allowed: false, RetryAfterSeconds: retryAfter}
	}
	if b.hourRemaining <= 0 {
		retryAfter := int64((hourWindow - now.Sub(b.hourResetAt)).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return RateLimitResult{Allowed: false, RetryAfterSeconds: retryAfter}
	}

	b.minuteRemaining--
	b.hourRemaining--
	return RateLimitResult{Allowed: true}
}

// Cleanup evicts buckets that haven't been touched in at least bucketTTL,
// meant to be called periodically from a background ticker so long-idle
// keys don't accumulate forever.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) >= bucketTTL {
			delete(r.buckets, key)
		}
	}
}
