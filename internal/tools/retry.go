package tools

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxRetries uint64
	Backoff    string // constant | exponential | fibonacci (default: exponential)
	Delay      time.Duration
	MaxDelay   time.Duration
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable flags err as transient so WithRetry and the HTTP tools may
// try again.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable classifies transient failures: errors marked with
// MarkRetryable, per-attempt deadline overruns, and network errors.
// Cancellation, validation and quota errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeToolNotFound, schema.ErrCodeQuotaExceeded, schema.ErrCodeCircuitOpen:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NewBackoff builds the go-retry backoff for a policy.
func NewBackoff(p RetryPolicy) retry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var b retry.Backoff
	switch p.Backoff {
	case "constant":
		b = retry.NewConstant(delay)
	case "fibonacci":
		b = retry.NewFibonacci(delay)
	default:
		b = retry.NewExponential(delay)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. The last error is returned unwrapped.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, NewBackoff(p), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// WithRetry retries transient tool failures. Tools are invoked with identical
// params on every attempt.
func WithRetry(p RetryPolicy) Middleware {
	return func(next Executor) Executor {
		if p.MaxRetries == 0 {
			return next
		}
		return ExecutorFunc(func(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
			var out schema.Value
			err := Do(ctx, p, func(ctx context.Context) error {
				var err error
				out, err = next.Execute(ctx, toolID, params)
				return err
			})
			return out, unwrapRetryable(err)
		})
	}
}

func unwrapRetryable(err error) error {
	var re *retryableError
	if errors.As(err, &re) {
		return re.err
	}
	return err
}
