// Package queue provides the Queue type for job orchestration.
//
// This package includes:
//   - Queue: registration of named queues with a concurrency cap, and typed
//     registration through Register[T]
//   - Send, Insert and Schedule for enqueueing work
//   - Cancel and CancelQueued for operator cancellation
//   - Hook registration and event subscription for monitoring
//   - SendWithRetry, an explicit bounded retry that sends new jobs
//
// Jobs are executed by pkg/worker.
package queue
