package synchronizer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jotsync/jotsync/internal/fileapi"
)

// withRetry runs op until it succeeds, fails with a non retryable error, or
// has been retried maxRetries times.
func withRetry[T any](ctx context.Context, maxRetries int, initial time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 16 * initial
	b.MaxElapsedTime = 0

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !fileapi.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}
