package guard

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// Transient decides whether an error is worth another attempt.
	// Nil means every error is transient.
	Transient func(error) bool
}

// DefaultRetryPolicy matches the pipeline's downstream write behaviour:
// 0.5s base, doubling, five attempts, capped at 10s per wait.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Factor:      2,
	}
}

// Do runs fn until it succeeds, a non-transient error occurs, the attempt
// budget is spent, or ctx is cancelled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := sleepCtx(ctx, p.delay(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if p.Transient != nil && !p.Transient(err) {
			return err
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	// Full jitter keeps synchronized workers from hammering a recovering peer.
	return time.Duration(rand.Float64() * d)
}
