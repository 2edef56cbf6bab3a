// Package security provides validation, sanitization, and limits for the
// job pipeline.
//
// It covers:
//   - queue name, payload size and unique key validation
//   - error message sanitization before a message is persisted
//   - clamping of worker concurrency and fan-out chunk sizes
package security
