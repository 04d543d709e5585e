// Package retry runs operations under optimistic concurrency control.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// ErrExhausted is returned when every attempt hit a conflict.
var ErrExhausted = errors.New("retries exhausted")

// Operation is one attempt; attempt is 1-based. It must be safe to rerun
// from scratch: reload, reapply, write.
type Operation func(ctx context.Context, attempt int) error

// LinearBackoff waits step × n before the n-th retry.
func LinearBackoff(step time.Duration) goretry.Backoff {
	var n int64
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * step, false
	})
}

// WithOptimisticRetry runs op up to maxAttempts times, retrying only the
// errors isConflict accepts and waiting step × attempt between attempts.
// It returns the number of attempts made. When the last attempt still
// conflicts the error wraps both ErrExhausted and the conflict.
func WithOptimisticRetry(ctx context.Context, maxAttempts int, step time.Duration, isConflict func(error) bool, op Operation) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	var lastConflict error
	b := goretry.WithMaxRetries(uint64(maxAttempts-1), LinearBackoff(step)) //nolint:gosec // maxAttempts >= 1

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		err := op(ctx, attempts)
		if err != nil && isConflict(err) {
			lastConflict = err
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return attempts, nil
	}
	if lastConflict != nil && errors.Is(err, lastConflict) {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	return attempts, err
}
