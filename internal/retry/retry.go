// Package retry runs an operation a bounded number of times with
// exponential backoff. Callers mark errors that must not be retried with
// Permanent, or pass a classifier to DoIf.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps a single backoff step.
const MaxDelay = 10 * time.Second

// PermanentError stops the retry loop. Do and DoIf return the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that it is returned without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn up to attempts times. See DoIf.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	return DoIf(ctx, attempts, base, nil, fn)
}

// DoIf calls fn until it succeeds, returns a permanent error, fails the
// retryable classifier, or attempts run out. A nil classifier treats every
// non-permanent error as retryable. The delay starts at base, doubles after
// each failure, and carries +-25% jitter. The last error is returned.
func DoIf(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	var err error
	for i := 1; ; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i >= attempts {
			return err
		}

		t := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, MaxDelay)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	if spread == 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
