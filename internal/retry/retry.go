// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately and returns it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn up to maxAttempts times. The wait between attempts
// starts at baseDelay and doubles each time, with 25% jitter either way.
// fn returning nil or a permanent error ends the loop, as does context
// cancellation during a backoff wait.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
}

// backoff returns the jittered delay before the given retry. attempt is
// 1-based: the wait after the first failure uses base itself.
func backoff(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay <= 0 {
		return 0
	}
	jitter := delay / 4
	lo := delay - jitter
	return lo + rand.N(2*jitter+1)
}
