// Package report runs report jobs and keeps the resulting file keyed by the
// id of the job that built it.
//
// A report is a Definition: a Query that loads rows for some parameters and
// a Build step that renders them into a File. Register installs the
// definition on its own queue; callers start it with Runner.Start and poll
// the job until it completes, then fetch the file with Artifacts.Download.
// A query that returns no rows completes the job without an artifact, and a
// job cancelled before its file is stored never writes one.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/jobctx"
	"github.com/jdziat/projectsync/pkg/queue"
)

// QueuePrefix prefixes the queue of every report kind.
const QueuePrefix = "report-"

// Definition describes one report kind.
type Definition[P, R any] struct {
	Kind  string
	Query func(ctx context.Context, params P) ([]R, error)
	Build func(ctx context.Context, params P, rows []R) (File, error)
}

// Request is the payload of a report job.
type Request[P any] struct {
	Params P      `json:"params"`
	UserID string `json:"user_id,omitempty"`
}

// Runner starts jobs of one report kind.
type Runner[P any] struct {
	q         *queue.Queue
	artifacts *Artifacts
	kind      string
	queue     string
}

// QueueName returns the queue that runs reports of kind.
func QueueName(kind string) string {
	return QueuePrefix + kind
}

// Register installs def on q and returns its runner.
func Register[P, R any](q *queue.Queue, artifacts *Artifacts, def Definition[P, R], concurrency int) *Runner[P] {
	name := QueueName(def.Kind)
	queue.Register(q, name, concurrency, func(ctx context.Context, job *core.Job, req Request[P]) error {
		logger := q.Logger().With("queue", job.Queue, "job_id", job.ID, "kind", def.Kind, "user_id", req.UserID)

		rows, err := def.Query(ctx, req.Params)
		if err != nil {
			logger.Error("report query failed", "params", req.Params, "error", err)
			return fmt.Errorf("report %s: query: %w", def.Kind, err)
		}
		if len(rows) == 0 {
			logger.Info("report has no rows, no artifact written", "params", req.Params)
			return nil
		}

		file, err := def.Build(ctx, req.Params, rows)
		if err != nil {
			logger.Error("report build failed", "params", req.Params, "rows", len(rows), "error", err)
			return fmt.Errorf("report %s: build: %w", def.Kind, err)
		}
		if jobctx.Cancelled(ctx) {
			logger.Info("report cancelled, artifact discarded", "rows", len(rows))
			return fmt.Errorf("report %s: %w", def.Kind, core.ErrJobCancelled)
		}
		if err := artifacts.Save(ctx, job.ID, def.Kind, file); err != nil {
			logger.Error("report save failed", "params", req.Params, "error", err)
			return err
		}
		return nil
	})
	return &Runner[P]{q: q, artifacts: artifacts, kind: def.Kind, queue: name}
}

// Kind returns the report kind.
func (r *Runner[P]) Kind() string { return r.kind }

// Queue returns the queue name.
func (r *Runner[P]) Queue() string { return r.queue }

// Start enqueues a report job and returns its id.
func (r *Runner[P]) Start(ctx context.Context, userID string, params P) (string, error) {
	id, err := r.q.Send(ctx, r.queue, Request[P]{Params: params, UserID: userID}, queue.CreatedBy(userID))
	if err != nil {
		return "", err
	}
	r.q.Logger().Info("report requested", "kind", r.kind, "job_id", id, "user_id", userID)
	return id, nil
}

// Download returns the artifact of a completed job of this kind. Any other
// job gives ErrNotFound.
func (r *Runner[P]) Download(ctx context.Context, jobID string) (*Download, error) {
	st, err := r.q.GetStatus(ctx, jobID)
	if errors.Is(err, core.ErrJobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.Queue != r.queue || st.State != core.StateCompleted {
		return nil, ErrNotFound
	}
	return r.artifacts.Download(ctx, jobID)
}
