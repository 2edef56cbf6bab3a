// Package handler adapts typed job handlers to the untyped dispatch path.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/jdziat/projectsync/pkg/core"
)

// Func is the untyped shape every registered handler is reduced to.
type Func func(ctx context.Context, job *core.Job) error

// PanicError is returned by Execute when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Decode unmarshals a job payload into T. An empty payload yields the zero
// value of T.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(payload)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return v, nil
}

// Typed wraps fn so its payload is decoded into T before it runs.
func Typed[T any](fn func(ctx context.Context, job *core.Job, payload T) error) (Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler function cannot be nil")
	}
	return func(ctx context.Context, job *core.Job) error {
		payload, err := Decode[T](job.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, job, payload)
	}, nil
}

// Execute runs fn and converts a panic into a *PanicError.
func Execute(ctx context.Context, fn Func, job *core.Job) (err error) {
	if fn == nil {
		return fmt.Errorf("handler function is nil")
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, job)
}
