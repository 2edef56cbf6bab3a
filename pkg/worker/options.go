package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/projectsync/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// Queues restricts the worker to these queues. A zero concurrency uses the
	// registration's. Nil serves every registered queue.
	Queues          map[string]int
	PollInterval    time.Duration
	ScheduleTick    time.Duration
	ExpiryTick      time.Duration
	WorkerID        string
	EnableScheduler bool
	Logger          *slog.Logger

	StorageRetry *RetryConfig
	ClaimRetry   *RetryConfig
}

// Concurrency overrides the concurrency of every queue given with
// WorkerQueue. Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue restricts the worker to name, in addition to any other
// WorkerQueue options.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		c.Queues[name] = 0
		for _, opt := range opts {
			opt.ApplyWorker(c)
		}
	})
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// PollInterval sets how often idle queues are polled.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// ScheduleTick sets how often persisted schedules are evaluated.
func ScheduleTick(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ScheduleTick = d
		}
	})
}

// ExpiryTick sets how often queue expiries are enforced.
func ExpiryTick(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ExpiryTick = d
		}
	})
}

// WorkerID names the worker in logs.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithLogger sets the worker's logger. It defaults to the queue's.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry sets the backoff used when recording job outcomes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithClaimRetry sets the backoff used when claiming jobs.
func WithClaimRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ClaimRetry = &cfg
	})
}

// WithRetryAttempts sets the storage retry attempts, keeping the other
// defaults.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage call a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		single := DefaultRetryConfig()
		single.MaxAttempts = 1
		claim := single
		c.StorageRetry = &single
		c.ClaimRetry = &claim
	})
}
