// Package retry provides the bounded-poll primitive used wherever the bot
// has to wait for eventually-consistent state on the homeserver: verification
// requests that the engine has not indexed yet, SAS objects that have not
// surfaced, confirmations that land a beat after the call returns.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// stopError marks an error as non-retryable.
type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so Do returns it immediately instead of retrying.
func Stop(err error) error {
	return &stopError{err: err}
}

// Do runs fn until it succeeds, retrying with a constant delay between
// attempts, up to maxAttempts total attempts. The last error is returned
// when attempts are exhausted. Context cancellation aborts the wait and
// surfaces ctx.Err() wrapped around the last failure.
func Do(ctx context.Context, maxAttempts uint64, delay time.Duration, fn func(context.Context) error) error {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewConstant(delay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		return retry.RetryableError(err)
	})
}
