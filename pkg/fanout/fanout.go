package fanout

import (
	"context"
	"fmt"

	"github.com/jdziat/projectsync/pkg/jobctx"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/security"
)

// Spawn enqueues subJobs as children of the running job (or WithParent),
// committing one batch insert per chunk. The parent does not wait for its
// children; progress is read back with Queue.Summarize.
//
// When a chunk fails the chunks before it stay enqueued and an *Error
// describing how far the spawn got is returned with them.
func Spawn(ctx context.Context, q *queue.Queue, subJobs []SubJob, opts ...Option) ([]Chunk, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	parent := cfg.parent
	if parent == "" {
		parent = jobctx.JobIDFromContext(ctx)
	}
	if parent == "" {
		return nil, fmt.Errorf("fanout.Spawn must be used within a job handler or WithParent")
	}
	if len(subJobs) == 0 {
		return nil, nil
	}

	logger := q.Logger()
	chunks := make([]Chunk, 0)
	committed := 0

	for i, batch := range Batches(subJobs, security.ClampChunkSize(cfg.chunkSize)) {
		entries := make([]queue.Entry, len(batch))
		for j, sj := range batch {
			name := sj.Queue
			if name == "" {
				name = cfg.queue
			}
			entryOpts := []queue.Option{queue.Parent(parent)}
			if cfg.createdBy != "" {
				entryOpts = append(entryOpts, queue.CreatedBy(cfg.createdBy))
			}
			entries[j] = queue.Entry{
				Queue:   name,
				Payload: sj.Payload,
				Options: append(entryOpts, sj.Options...),
			}
		}

		ids, err := q.Insert(ctx, entries)
		if err != nil {
			return chunks, &Error{
				ParentJobID: parent,
				Total:       len(subJobs),
				Committed:   committed,
				Err:         err,
			}
		}
		committed += len(ids)
		chunks = append(chunks, Chunk{Index: i, JobIDs: ids})
		logger.Debug("fan-out chunk committed", "parent_job_id", parent, "chunk", i, "size", len(ids))
	}

	return chunks, nil
}
