// Package util provides shared utility functions for nextfs.
package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// PendingWaitOptions returns retry options for waiting on a pending
// copy-on-write buffer. Short delays, backing off from 2ms to at most
// 20ms: the copy is bounded by a
// single block read plus a memcpy, so waits are normally a few
// milliseconds.
func PendingWaitOptions(ctx context.Context, attempts uint) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(2 * time.Millisecond),
		retry.MaxDelay(20 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// If all attempts fail it returns retry-go's error for the options:
// the last attempt's error with LastErrorOnly, otherwise (as with the
// defaults) the list of every attempt's error.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}
