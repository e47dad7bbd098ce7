package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 RateLimiter
// =============================================================================

func TestRateLimiter_AllowsUpToPerMinuteCap(t *testing.T) {
	r := NewRateLimiter(2, 100)
	require.True(t, r.Allow("key").Allowed)
	require.True(t, r.Allow("key").Allowed)
	result := r.Allow("key")
	assert.False(t, result.Allowed)
	assert.GreaterOrEqual(t, result.RetryAfterSeconds, int64(1))
}

func TestRateLimiter_HourCapBindsEvenWithMinuteBudgetLeft(t *testing.T) {
	r := NewRateLimiter(100, 1)
	require.True(t, r.Allow("key").Allowed)
	result := r.Allow("key")
	assert.False(t, result.Allowed, "hour budget is exhausted even though the minute window still has room")
}

func TestRateLimiter_WindowResetsAfterElapsed(t *testing.T) {
	now := time.Now()
	r := NewRateLimiter(1, 100)
	r.now = func() time.Time { return now }

	require.True(t, r.Allow("key").Allowed)
	require.False(t, r.Allow("key").Allowed)

	now = now.Add(61 * time.Second)
	r.now = func() time.Time { return now }
	assert.True(t, r.Allow("key").Allowed, "a new minute window should refill the budget")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	r := NewRateLimiter(1, 100)
	require.True(t, r.Allow("a").Allowed)
	assert.True(t, r.Allow("b").Allowed, "distinct keys get independent budgets")
}

func TestRateLimiter_CleanupEvictsStaleBuckets(t *testing.T) {
	now := time.Now()
	r := NewRateLimiter(1, 100)
	r.now = func() time.Time { return now }
	r.Allow("stale")

	now = now.Add(3 * time.Hour)
	r.now = func() time.Time { return now }
	r.Cleanup()

	r.mu.Lock()
	_, exists := r.buckets["stale"]
	r.mu.Unlock()
	assert.False(t, exists)
}

// =============================================================================
// 🧪 ConnectionTracker
// =============================================================================

func TestConnectionTracker_CapsPerIPConcurrency(t *testing.T) {
	ct := NewConnectionTracker(2)
	assert.True(t, ct.TryAcquire("1.2.3.4"))
	assert.True(t, ct.TryAcquire("1.2.3.4"))
	assert.False(t, ct.TryAcquire("1.2.3.4"))

	ct.Release("1.2.3.4")
	assert.True(t, ct.TryAcquire("1.2.3.4"))
}

func TestConnectionTracker_ReleasePrunesZeroedEntries(t *testing.T) {
	ct := NewConnectionTracker(5)
	ct.TryAcquire("1.2.3.4")
	ct.Release("1.2.3.4")
	assert.Equal(t, 0, ct.Count("1.2.3.4"))
	_, exists := ct.counts["1.2.3.4"]
	assert.False(t, exists, "a count that returns to zero should be removed, not kept at zero")
}

// =============================================================================
// 🧪 IsLoopback / ValidateBody / ValidateDimension
// =============================================================================

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("::1"))
	assert.False(t, IsLoopback("10.0.0.1"))
	assert.False(t, IsLoopback("not-an-ip"))
}

func TestValidateBody_RejectsOversizedPayload(t *testing.T) {
	err := ValidateBody(make([]byte, 10), 5)
	require.Error(t, err)
}

func TestValidateBody_RejectsInvalidUTF8(t *testing.T) {
	err := ValidateBody([]byte{0xff, 0xfe}, 1024)
	require.Error(t, err)
}

func TestValidateBody_AcceptsValidSmallPayload(t *testing.T) {
	err := ValidateBody([]byte("hello"), 1024)
	assert.NoError(t, err)
}

func TestValidateDimension_BoundsCheck(t *testing.T) {
	assert.NoError(t, ValidateDimension("top_k", 1))
	assert.NoError(t, ValidateDimension("top_k", 1000))
	assert.Error(t, ValidateDimension("top_k", 0))
	assert.Error(t, ValidateDimension("top_k", 1001))
}
