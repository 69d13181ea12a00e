/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package retry runs operations with backoff. It's used for connectivity checks of remote stores at startup;
// the quota logic itself never retries store calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-quotaguard/log"
)

// IsRetryable tells whether the error is transient. Nil means every error is retryable.
type IsRetryable func(error) bool

// Func does some work that may be retried.
type Func func(ctx context.Context) error

// Policy creates a backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// Do executes fn until it succeeds, the policy gives up, or ctx is done.
// notify (may be nil) is called after every failed attempt that will be retried.
func Do(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn Func) error {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bctx.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// WaitReady checks the named dependency until it answers, logging every failed attempt.
func WaitReady(ctx context.Context, p Policy, logger log.FieldLogger, name string, check Func) error {
	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		logger.Warn("dependency is not ready, will retry",
			log.String("dependency", name), log.Int("attempt", attempt),
			log.Duration("retry_in", next), log.Error(err))
	}
	if err := Do(ctx, p, nil, notify, check); err != nil {
		return err
	}
	logger.Info("dependency is ready", log.String("dependency", name))
	return nil
}

// ExponentialBackoffPolicy retries up to MaxAttempts times (0 is unlimited) with delays growing 1.5 times.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts))
	}
	b.Reset()
	return b
}

// ConstantBackoffPolicy retries up to MaxAttempts times (0 is unlimited) with a fixed delay.
type ConstantBackoffPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	b.Reset()
	return b
}
