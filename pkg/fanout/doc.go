// Package fanout spawns child jobs from a running parent in chunked,
// transactional batches.
//
// The parent does not wait for its children. Each child stores the parent's
// id, so Queue.Summarize can report how far a run got:
//
//	chunks, err := fanout.Spawn(ctx, q, subJobs, fanout.WithChunkSize(50))
package fanout
