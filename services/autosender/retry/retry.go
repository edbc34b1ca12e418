package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autosender/services/autosender/clock"
)

const (
	// DefaultAttempts is the total number of invocations, including the first.
	DefaultAttempts = 3
	// DefaultBackoff is the fixed pause between attempts.
	DefaultBackoff = 5 * time.Second
)

// Policy bounds how many times an operation is invoked and how long to pause
// between invocations. The backoff is fixed, not exponential.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultPolicy returns three attempts with a five second pause.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Backoff: DefaultBackoff}
}

func (p Policy) normalised() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// ExhaustedError is returned once every attempt has failed. It carries the last
// underlying failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked permanent.
// Context cancellation is always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *permanentError
	if errors.As(err, &marked) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Hook observes a failed attempt before the executor pauses or gives up.
type Hook func(attempt int, err error)

// Do invokes op until it succeeds, returns a permanent error, or the policy's
// attempt budget is spent. Between attempts it suspends on c for the policy's
// backoff. A nil hook is allowed.
func Do[T any](ctx context.Context, c clock.Clock, policy Policy, hook Hook, op func(context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.normalised()
	var last error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return zero, err
			}
			return zero, &ExhaustedError{Attempts: attempt - 1, Err: last}
		}
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		last = err
		if hook != nil {
			hook(attempt, err)
		}
		if IsPermanent(err) {
			return zero, err
		}
		if attempt < policy.Attempts {
			if err := c.Sleep(ctx, policy.Backoff); err != nil {
				return zero, &ExhaustedError{Attempts: attempt, Err: last}
			}
		}
	}
	return zero, &ExhaustedError{Attempts: policy.Attempts, Err: last}
}
