// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"

	"github.com/jdziat/projectsync/pkg/core"
	intctx "github.com/jdziat/projectsync/pkg/internal/context"
)

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// ParentJobIDFromContext returns the parent of the current job, or empty
// string for top-level jobs.
func ParentJobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil || job.ParentJobID == nil {
		return ""
	}
	return *job.ParentJobID
}

// Cancelled reports whether an operator asked the current job to stop.
// Cancellation is cooperative: long handlers check it between steps and
// return early.
func Cancelled(ctx context.Context) bool {
	jc := intctx.GetJobContext(ctx)
	return jc != nil && jc.CancelRequested()
}
