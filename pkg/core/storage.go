package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for jobs.
//
// Every state transition is a conditional update on the stored state, so
// concurrent callers (in this process or another one sharing the database)
// are serialized by the database and never by an application mutex.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Insert(ctx context.Context, job *Job) error
	InsertBatch(ctx context.Context, jobs []*Job) error
	InsertUnique(ctx context.Context, job *Job) error
	ClaimNext(ctx context.Context, queue string, limit int) ([]*Job, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
	MarkCancelled(ctx context.Context, jobIDs []string) (int64, error)
	CancelCreated(ctx context.Context, jobIDs []string) (int64, error)
	ExpireActive(ctx context.Context, queue string, startedBefore time.Time) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListPending(ctx context.Context, queue string) ([]string, error)
	ListByState(ctx context.Context, queue string, state JobState) ([]string, error)
	Summarize(ctx context.Context, scheduleQueue string, limit int) ([]RunSummary, error)

	// Schedules
	UpsertSchedule(ctx context.Context, s *Schedule) (bool, error)
	DeleteSchedule(ctx context.Context, queue string) error
	GetSchedule(ctx context.Context, queue string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	FireSchedule(ctx context.Context, s *Schedule, at time.Time) (*Job, error)
}
