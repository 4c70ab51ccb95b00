// Package retry expresses retry behaviour around external calls as a value
// that can be tuned per environment: tight for request paths, lenient for
// batch jobs.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, 0..1.
	Jitter float64
	// Notify, if set, is called before each wait.
	Notify func(err error, wait time.Duration)
}

// Interactive suits visitor-facing paths where latency matters.
func Interactive() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.5}
}

// Batch suits background reindexing where finishing matters more than speed.
func Batch() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: 0.5}
}

// WithNotify returns a copy of p that reports each retry to fn.
func (p Policy) WithNotify(fn func(err error, wait time.Duration)) Policy {
	p.Notify = fn
	return p
}

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is spent, or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		// Attempts, not wall time, bound the loop; ctx carries the deadline.
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, op, opts...)
}

// Run is Do for operations with no result.
func Run(ctx context.Context, p Policy, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
