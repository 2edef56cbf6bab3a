package core

import (
	"time"
)

// JobState represents the current state of a job.
//
// The only allowed transitions are
//
//	created -> active -> {completed | failed | cancelled | expired}
//	created -> cancelled
type JobState string

const (
	StateCreated   JobState = "created"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateExpired   JobState = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	StateCreated,
	StateActive,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateExpired,
}

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Job represents a unit of work to be processed.
type Job struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Queue       string     `gorm:"index:idx_jobs_queue_state;size:255;not null"`
	Payload     []byte     `gorm:"type:bytes"`
	State       JobState   `gorm:"index:idx_jobs_queue_state;size:20;not null;default:'created'"`
	ParentJobID *string    `gorm:"index;size:36"`
	UniqueKey   string     `gorm:"index;size:255"`
	CreatedBy   string     `gorm:"size:255"`
	LastError   string     `gorm:"type:text"`
	ClaimToken  string     `gorm:"index;size:36"`
	CreatedAt   time.Time  `gorm:"index"`
	UpdatedAt   time.Time
	StartedAt   *time.Time `gorm:"index"`
	CompletedAt *time.Time
}

// Schedule is a persisted recurring trigger. There is at most one per queue.
type Schedule struct {
	Queue       string `gorm:"primaryKey;size:255"`
	CronExpr    string `gorm:"size:255;not null"`
	Payload     []byte `gorm:"type:bytes"`
	FireCount   int64  `gorm:"not null;default:0"` // compare-and-swap version
	LastFiredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Anchor is the time the next fire is computed from: the later of the last
// fire and the last change to the schedule.
func (s *Schedule) Anchor() time.Time {
	if s.LastFiredAt != nil && s.LastFiredAt.After(s.UpdatedAt) {
		return *s.LastFiredAt
	}
	return s.UpdatedAt
}

// Status is the polling view of a job.
type Status struct {
	JobID      string     `json:"job_id"`
	Queue      string     `json:"queue"`
	State      JobState   `json:"state"`
	IsFinished bool       `json:"is_finished"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StatusOf builds the polling view of a job.
func StatusOf(job *Job) Status {
	return Status{
		JobID:      job.ID,
		Queue:      job.Queue,
		State:      job.State,
		IsFinished: job.State.IsTerminal(),
		LastError:  job.LastError,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.CompletedAt,
	}
}

// RunSummary describes one scheduled run and the children it spawned.
type RunSummary struct {
	TriggerJobID         string             `json:"trigger_job_id"`
	TriggerState         JobState           `json:"trigger_state"`
	CreatedAt            time.Time          `json:"created_at"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	LastChildCompletedAt *time.Time         `json:"last_child_completed_at,omitempty"`
	TotalChildren        int64              `json:"total_children"`
	CountsByState        map[JobState]int64 `json:"counts_by_state"`
}

// Finished reports whether every child reached a terminal state.
func (r RunSummary) Finished() bool {
	var done int64
	for state, n := range r.CountsByState {
		if state.IsTerminal() {
			done += n
		}
	}
	return done == r.TotalChildren
}
