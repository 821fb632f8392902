package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(perMin int, minGap, maxWait time.Duration) (*RateLimiter, *time.Time) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(perMin, minGap, maxWait)
	rl.now = func() time.Time { return now }
	rl.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	rl.lastRefill = now
	return rl, &now
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl, _ := newTestLimiter(20, 0, 30*time.Second)

	for i := 0; i < 20; i++ {
		require.NoError(t, rl.Acquire(context.Background()))
	}
}

func TestRateLimiterEnforcesMinimumGap(t *testing.T) {
	rl, now := newTestLimiter(20, 3*time.Second, 30*time.Second)

	start := *now
	require.NoError(t, rl.Acquire(context.Background()))
	require.NoError(t, rl.Acquire(context.Background()))

	assert.GreaterOrEqual(t, now.Sub(start), 3*time.Second)
}

func TestRateLimiterRejectsBeyondMaxWait(t *testing.T) {
	rl, _ := newTestLimiter(2, 0, time.Second)

	require.NoError(t, rl.Acquire(context.Background()))
	require.NoError(t, rl.Acquire(context.Background()))

	// Bucket is empty; refilling a token at 2/min takes 30s, past the 1s cap.
	err := rl.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterTryAcquireDoesNotConsume(t *testing.T) {
	rl, _ := newTestLimiter(1, 0, time.Second)

	assert.True(t, rl.TryAcquire())
	assert.True(t, rl.TryAcquire())

	require.NoError(t, rl.Acquire(context.Background()))
	assert.False(t, rl.TryAcquire())
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl, now := newTestLimiter(2, 0, time.Second)

	require.NoError(t, rl.Acquire(context.Background()))
	require.NoError(t, rl.Acquire(context.Background()))
	assert.False(t, rl.TryAcquire())

	*now = now.Add(31 * time.Second)
	assert.True(t, rl.TryAcquire())
	require.NoError(t, rl.Acquire(context.Background()))
}

func TestRateLimiterSaturation(t *testing.T) {
	rl, _ := newTestLimiter(4, 0, 30*time.Second)

	assert.InDelta(t, 0.0, rl.Saturation(), 0.01)
	require.NoError(t, rl.Acquire(context.Background()))
	require.NoError(t, rl.Acquire(context.Background()))
	assert.InDelta(t, 0.5, rl.Saturation(), 0.01)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewBreakerRegistry(3, 30*time.Second)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := r.Execute("redis", func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	err := r.Execute("redis", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, r.AllClosed())
}

func TestBreakerIsolatesCollaborators(t *testing.T) {
	r := NewBreakerRegistry(2, 30*time.Second)
	boom := errors.New("boom")

	r.Execute("redis", func() error { return boom })
	r.Execute("redis", func() error { return boom })

	assert.ErrorIs(t, r.Execute("redis", func() error { return nil }), ErrCircuitOpen)
	assert.NoError(t, r.Execute("kafka", func() error { return nil }))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	r := NewBreakerRegistry(3, 30*time.Second)
	boom := errors.New("boom")

	r.Execute("db", func() error { return boom })
	r.Execute("db", func() error { return boom })
	require.NoError(t, r.Execute("db", func() error { return nil }))

	r.Execute("db", func() error { return boom })
	r.Execute("db", func() error { return boom })
	assert.NoError(t, r.Execute("db", func() error { return nil }))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 2}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Transient:   func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
