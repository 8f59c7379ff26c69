package validation

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of transient lookup failures. One policy value is
// shared by all adapters so retry behavior is tuned in a single place.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles each retry.
	BaseDelay time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Timeout:     10 * time.Second,
	}
}

const maxBackoff = 30 * time.Second

// Retry runs fn until it returns a non-Unavailable result or attempts are
// exhausted. Invalid results are never retried: the service answered, the
// answer was no. The last Unavailable result is returned when every attempt
// fails. Context cancellation aborts between attempts.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) Result[T]) Result[T] {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var last Result[T]
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Unavailable[T](ctx.Err())
			case <-time.After(p.Backoff(attempt - 1)):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		last = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if last.Status != StatusUnavailable {
			return last
		}
	}
	return last
}

// Backoff is the delay after the given zero-based failed attempt, doubling
// from BaseDelay and capped. Exported so other retry loops sharing the policy
// pace themselves the same way.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<attempt)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
