package queue

import (
	"log/slog"
	"time"
)

// Options holds per-job enqueue settings.
type Options struct {
	ParentJobID string
	UniqueKey   string
	CreatedBy   string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Parent links the job to the job that spawned it.
func Parent(jobID string) Option {
	return optionFunc(func(o *Options) {
		o.ParentJobID = jobID
	})
}

// Unique rejects the job with core.ErrDuplicateJob while another created or
// active job holds the same key.
func Unique(key string) Option {
	return optionFunc(func(o *Options) {
		o.UniqueKey = key
	})
}

// CreatedBy records the opaque id of the user who enqueued the job.
func CreatedBy(userID string) Option {
	return optionFunc(func(o *Options) {
		o.CreatedBy = userID
	})
}

// WorkOption configures a queue registration.
type WorkOption interface {
	applyWork(*Registration)
}

type workOptionFunc func(*Registration)

func (f workOptionFunc) applyWork(r *Registration) { f(r) }

// Expire moves active jobs of the queue to expired once they have run
// longer than d. Jobs have no deadline by default.
func Expire(d time.Duration) WorkOption {
	return workOptionFunc(func(r *Registration) {
		r.Expiry = d
	})
}

// QueueOption configures a Queue.
type QueueOption interface {
	applyQueue(*Queue)
}

type queueOptionFunc func(*Queue)

func (f queueOptionFunc) applyQueue(q *Queue) { f(q) }

// WithLogger sets the logger used by the queue and its workers.
func WithLogger(l *slog.Logger) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	})
}
