package core

import (
	"errors"
)

// Validation errors
var (
	ErrInvalidQueueName = errors.New("jobs: invalid queue name (must be alphanumeric, start with letter)")
	ErrQueueNameTooLong = errors.New("jobs: queue name too long")
	ErrPayloadTooLarge  = errors.New("jobs: payload exceeds size limit")
	ErrUniqueKeyTooLong = errors.New("jobs: unique key exceeds maximum length")
	ErrInvalidUserID    = errors.New("jobs: invalid user id")
	ErrInvalidCron      = errors.New("jobs: invalid cron expression")
)

// Lookup and lifecycle errors
var (
	ErrJobNotFound      = errors.New("jobs: job not found")
	ErrScheduleNotFound = errors.New("jobs: schedule not found")
	ErrNoHandler        = errors.New("jobs: no handler registered")
	ErrDuplicateJob     = errors.New("jobs: duplicate job with same unique key")

	// ErrJobCancelled is returned by a handler that stopped because its
	// cancel flag was raised; the job is recorded as cancelled, not failed.
	ErrJobCancelled = errors.New("jobs: job cancelled")
)
