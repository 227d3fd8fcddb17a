// Package backoff wraps github.com/cenkalti/backoff/v4 with the policy
// defaults §5 of the spec assigns to object-storage operations:
// 100ms/10s/2.0/10 (min delay / max delay / factor / max retries).
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures retry behavior for an object-storage operation.
type Policy struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
	MaxRetries uint64
}

// DefaultPolicy matches the spec's default object-storage retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:   100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Factor:     2.0,
		MaxRetries: 10,
	}
}

// Retry runs fn, retrying on any non-nil error using an exponential backoff
// per Policy, up to MaxRetries retries after the first attempt, honoring ctx
// cancellation.
// A Permanent error (see backoff.Permanent) stops retrying immediately.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.MinDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Factor
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not wall-clock

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	return backoff.Retry(fn, bo)
}

// Permanent marks err as non-retryable; Retry returns it immediately.
func Permanent(err error) error { return backoff.Permanent(err) }
