// Package retry provides shared exponential-backoff helpers for transient
// dependency errors (network blips, 5xx responses, slow stores).
package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy describes a retry budget. The zero value is unusable; use one of
// the preset constructors or fill every field.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Default is the policy for ordinary HTTP/Redis calls.
func Default() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// Slow is the policy for probes against services that are still starting,
// such as the post-deploy health check.
func Slow() Policy {
	return Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     15 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// Build returns a fresh BackOff configured from the policy. A new value is
// needed per attempt sequence because BackOff carries state.
func (p Policy) Build() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return b
}

// Do runs fn until it succeeds, the policy's elapsed budget is spent, or the
// context is cancelled. Wrap terminal errors with Permanent to stop early.
func Do(ctx context.Context, p Policy, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(p.Build(), ctx))
}

// Permanent marks err as non-retryable so Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
