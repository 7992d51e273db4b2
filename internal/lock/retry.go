package lock

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

// Default retry settings for transient store failures.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
)

// Retrier retries a store call on transient transport failures with a fixed
// backoff. Lock timeouts, protocol errors and validation errors are returned
// on the first attempt.
type Retrier struct {
	maxAttempts int
	delay       time.Duration
	onRetry     func(err error)
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithOnRetry sets a callback invoked with each failure that will be retried.
func WithOnRetry(fn func(err error)) RetrierOption {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// NewRetrier creates a retrier making at most maxAttempts calls, sleeping
// delay between them. maxAttempts below 1 is treated as 1.
func NewRetrier(maxAttempts int, delay time.Duration, opts ...RetrierOption) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &Retrier{
		maxAttempts: maxAttempts,
		delay:       delay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts returns the maximum number of calls Do makes.
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Do calls fn until it succeeds, fails with a non-transient error, the
// attempts are exhausted or ctx is done. The last error is returned as is.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Invoke(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Invoke is Do for calls that return a value.
func Invoke[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.maxAttempts-1)),
		ctx,
	)

	call := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, _ time.Duration) {
		metrics.RecordStoreRetry(operation)
		if r.onRetry != nil {
			r.onRetry(err)
		}
	}

	return backoff.RetryNotifyWithData(call, b, notify)
}
