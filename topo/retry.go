package topo

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/config"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
)

const (
	DefaultRetryInterval = config.DefaultRetryInterval
	DefaultMaxRetries    = config.DefaultMaxRetries

	maxRetryInterval = 10 * time.Second
)

// RunWithRetry calls fn until it succeeds, fails with a non-transient error, or has been
// called maxRetries times. Waits grow exponentially from interval with jitter.
// A non-transient error is returned as is.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = interval
	expo.MaxInterval = max(interval, maxRetryInterval)
	expo.MaxElapsedTime = 0

	retries := uint64(max(maxRetries-1, 0)) //nolint:gosec
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx)

	attempt := 0

	return backoff.RetryNotify(func() error { //nolint:wrapcheck
		attempt++

		err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}, policy, func(err error, wait time.Duration) {
		log.Ctx(ctx).With(log.Int64("attempt", int64(attempt))).
			Warnf("Transient error, retrying in %s: %v", wait.Round(time.Millisecond), err)
	})
}
