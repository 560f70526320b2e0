package util

import (
	"context"
	"math/rand"
	"time"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay, with full jitter applied to each sleep. It returns nil on the
// first successful call, or the last error if all attempts fail.
//
// If retryable is non-nil and returns false for an error, that error is
// returned immediately without further attempts. Context cancellation is
// respected between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay)):
			}
			delay *= 2
		}
	}

	return err
}

// jitter returns a random duration in [0, d] (full jitter). A zero or
// negative d is returned unchanged so tests can disable sleeping.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
