package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRateLimited is returned when a caller would have to wait longer than the
// limiter's maximum cooperative wait.
var ErrRateLimited = errors.New("rate limited")

// RateLimiter is a token bucket with a minimum inter-call gap, sized for a
// per-provider request budget. Callers block cooperatively up to MaxWait;
// beyond that the guarded call fails with ErrRateLimited.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   int
	tokens     float64
	refillRate float64 // tokens per second
	minGap     time.Duration
	maxWait    time.Duration
	lastRefill time.Time
	lastCall   time.Time
	waiting    int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter builds a limiter allowing requestsPerMin calls per minute
// with at least minGap between consecutive calls.
func NewRateLimiter(requestsPerMin int, minGap, maxWait time.Duration) *RateLimiter {
	if requestsPerMin <= 0 {
		requestsPerMin = 20
	}
	rl := &RateLimiter{
		capacity:   requestsPerMin,
		tokens:     float64(requestsPerMin),
		refillRate: float64(requestsPerMin) / 60.0,
		minGap:     minGap,
		maxWait:    maxWait,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	rl.lastRefill = rl.now()
	return rl
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a token and the inter-call gap are available, or fails
// with ErrRateLimited when the required wait exceeds MaxWait.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	wait, err := rl.reserve()
	if err != nil {
		return err
	}
	if wait > 0 {
		log.Debug().Dur("wait", wait).Msg("Rate limiter throttling call")
		if err := rl.sleep(ctx, wait); err != nil {
			rl.release()
			return err
		}
	}
	rl.commit()
	return nil
}

// TryAcquire reports whether a call could proceed without exceeding MaxWait.
// It does not consume a token.
func (rl *RateLimiter) TryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.requiredWaitLocked() <= rl.maxWait
}

// Saturation returns the fraction of the bucket currently spent, in [0,1].
func (rl *RateLimiter) Saturation() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	return 1 - rl.tokens/float64(rl.capacity)
}

func (rl *RateLimiter) reserve() (time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	wait := rl.requiredWaitLocked()
	if wait > rl.maxWait {
		return 0, ErrRateLimited
	}
	// Consume the token up front so concurrent reservations queue behind it.
	rl.refillLocked()
	rl.tokens--
	rl.waiting++
	return wait, nil
}

func (rl *RateLimiter) requiredWaitLocked() time.Duration {
	rl.refillLocked()

	var tokenWait time.Duration
	// Tokens already promised to waiting callers are gone.
	available := rl.tokens - float64(rl.waiting)
	if available < 1 {
		deficit := 1 - available
		tokenWait = time.Duration(deficit / rl.refillRate * float64(time.Second))
	}

	var gapWait time.Duration
	if !rl.lastCall.IsZero() {
		elapsed := rl.now().Sub(rl.lastCall)
		queued := rl.minGap * time.Duration(rl.waiting)
		if elapsed < rl.minGap+queued {
			gapWait = rl.minGap + queued - elapsed
		}
	}

	if gapWait > tokenWait {
		return gapWait
	}
	return tokenWait
}

func (rl *RateLimiter) refillLocked() {
	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > float64(rl.capacity) {
		rl.tokens = float64(rl.capacity)
	}
	rl.lastRefill = now
}

func (rl *RateLimiter) commit() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.waiting--
	rl.lastCall = rl.now()
}

func (rl *RateLimiter) release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.waiting--
	rl.tokens++
}
