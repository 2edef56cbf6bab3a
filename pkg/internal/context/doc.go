// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly; handlers
// read the same values through pkg/jobctx.
package context
