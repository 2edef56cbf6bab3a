// Package handler provides internal typed handler execution.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Func: the untyped handler shape the worker dispatches to
//   - Typed and Decode: JSON payload decoding into a queue's payload type
//   - Execute: panic recovery around a handler invocation
package handler
