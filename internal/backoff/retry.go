package backoff

import (
	"context"
	"time"
)

type (
	// Operation is the unit of work a retry loop drives.
	Operation func(ctx context.Context) error

	// IsRetriableFunc classifies an error as worth another attempt.
	IsRetriableFunc func(err error) bool
)

// Retry runs the operation until it succeeds, the policy gives up, a
// non-retriable error surfaces, or the context ends. A nil isRetriable
// treats every error as retriable.
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}

		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			// Out of attempts: the operation's own error is the useful one.
			return err
		}

		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
	}
}
