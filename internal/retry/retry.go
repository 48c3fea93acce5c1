// Package retry re-runs transfer calls that failed transiently.
package retry

import (
	"context"
	"time"
)

// Policy bounds the number of attempts and the backoff between them.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Once makes a single attempt.
var Once = Policy{MaxAttempts: 1}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done. onRetry, when set, sees each error that
// is about to be retried.
func Do(ctx context.Context, p Policy, retryable func(error) bool, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		if onRetry != nil {
			onRetry(i, err)
		}

		sleep := backoff
		if p.MaxBackoff > 0 && sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}

		if p.BackoffMultiplier > 1 {
			backoff *= time.Duration(p.BackoffMultiplier)
		}
	}
	return err
}
