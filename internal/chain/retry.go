package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means the RPC endpoint could not answer within the
	// retry budget. Verification fails closed on it.
	ErrUnavailable = errors.New("chain unavailable")
	// ErrNotFound means the endpoint answered and the record does not exist.
	ErrNotFound = errors.New("not found")
)

// RetryPolicy bounds a single logical RPC call.
type RetryPolicy struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
	Backoff time.Duration // doubled after each failed attempt
}

// DefaultRetryPolicy is used when a client is built without one.
var DefaultRetryPolicy = RetryPolicy{Timeout: 5 * time.Second, Retries: 2, Backoff: 200 * time.Millisecond}

// permanentError stops the retry loop and is returned unwrapped.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err: err} }

// do runs fn until it succeeds, returns a permanent error, or the policy is
// exhausted. Exhaustion is reported as ErrUnavailable.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := p.Backoff
	var last error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, last)
}
