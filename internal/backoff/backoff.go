// Package backoff implements exponential backoff with jitter for
// retrying transient upstream failures.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls how retry delays grow between attempts.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between any two attempts.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter in [0, 1] randomizes the delay upward by that fraction.
	Jitter float64
}

// DefaultPolicy is tuned for model-provider retries: short initial
// delay, tight cap so retries fit inside request budgets.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the sleep before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jittered := base * (1 + p.Jitter*random)
	return time.Duration(math.Min(float64(p.Max), jittered))
}

// Sleep blocks for the attempt's delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy
// between failures. retryable decides whether an error is worth another
// attempt; a nil retryable retries every error. The last error is
// returned when attempts are exhausted or the error is permanent.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, lastErr
			}
		}
	}
	return zero, lastErr
}
