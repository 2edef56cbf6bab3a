// Package worker provides the Worker type for job processing.
//
// This package includes:
//   - Worker: claims jobs of every registered queue up to its concurrency
//   - WorkerOption: configuration options for workers
//   - Scheduler loop for persisted cron schedules
//   - Expiry loop for queues registered with an expiry
//
// Most users should go through the root package github.com/jdziat/projectsync,
// which builds the worker from configuration.
package worker
