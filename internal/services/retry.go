package services

import (
	"context"
	"errors"
	"time"

	"entitlement-reconciler/pkg/logging"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op, retrying transient failures up to retries additional times with exponential backoff.
// Errors wrapped as permanent, malformed input and lineage conflicts are returned immediately.
func withRetry(ctx context.Context, retries int, initial time.Duration, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if retries >= 0 {
		b = backoff.WithMaxRetries(policy, uint64(retries))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logging.Warnf("Attempt %d failed, retrying in %v: %v", attempt, wait, err)
	})
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrLineageConflict) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
