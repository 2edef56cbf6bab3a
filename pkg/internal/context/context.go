// Package context provides context helpers for job execution.
package context

import (
	"context"
	"sync/atomic"

	"github.com/jdziat/projectsync/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the job being executed and its cooperative cancel flag.
type JobContext struct {
	Job       *core.Job
	cancelled atomic.Bool
}

// NewJobContext creates a JobContext for job.
func NewJobContext(job *core.Job) *JobContext {
	return &JobContext{Job: job}
}

// RequestCancel raises the cancel flag. The handler is not interrupted.
func (jc *JobContext) RequestCancel() {
	jc.cancelled.Store(true)
}

// CancelRequested reports whether RequestCancel was called.
func (jc *JobContext) CancelRequested() bool {
	return jc.cancelled.Load()
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
