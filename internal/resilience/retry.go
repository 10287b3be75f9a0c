package resilience

import (
	"context"
	"time"
)

// RetryPolicy describes a fixed backoff schedule. An operation is attempted
// once, then once more per backoff entry, sleeping the entry's duration
// before each retry.
type RetryPolicy struct {
	// Backoff holds the delay before each retry. len(Backoff)+1 is the total
	// attempt count.
	Backoff []time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries every error.
	Retryable func(error) bool
}

// DefaultRetryPolicy is the command retry schedule used against the PBX REST
// interface: three attempts total with 100, 300 and 900 ms backoff.
func DefaultRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		Backoff:   []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond},
		Retryable: retryable,
	}
}

// Retry runs fn under the policy, returning the first success or the last
// error. Context cancellation aborts between attempts with ctx.Err().
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= len(p.Backoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff[attempt]):
		}
	}
}
