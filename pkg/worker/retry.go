package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jdziat/projectsync/pkg/core"
)

// RetryConfig bounds the retries around the worker's storage calls: claiming
// jobs and recording their outcome. Handlers themselves are never retried.
type RetryConfig struct {
	MaxAttempts       int           // including the first call
	InitialBackoff    time.Duration // wait before the second call
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64 // 0 waits exactly InitialBackoff * BackoffMultiplier^n
}

// DefaultRetryConfig is used for outcome writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// claimRetryConfig backs off longer so an outage is not hammered by every
// poll tick.
func claimRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialBackoff
	exp.MaxInterval = c.MaxBackoff
	exp.Multiplier = c.BackoffMultiplier
	exp.RandomizationFactor = c.JitterFraction
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := max(c.MaxAttempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// retryWithBackoff calls op until it succeeds, fails permanently, runs out of
// attempts or ctx is done. It returns op's last error, or ctx's error when
// the wait was interrupted.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx))
}

// IsRetryableError reports whether a storage error may go away on its own.
// Unknown errors are assumed transient: lost connections, lock timeouts and
// deadlocks all surface as driver-specific errors.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrJobNotFound):
		return false
	}
	return true
}
