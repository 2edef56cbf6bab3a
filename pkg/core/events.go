package core

import "time"

// Event is the interface for all queue events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a claimed job's handler starts.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a handler returns without error.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a handler returns an error or panics.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobsCancelled is emitted when an operator cancels jobs of a queue.
type JobsCancelled struct {
	Queue     string
	Count     int64
	Timestamp time.Time
}

func (*JobsCancelled) eventMarker() {}

// JobsExpired is emitted when active jobs outlive their queue's expiry.
type JobsExpired struct {
	Queue     string
	Count     int64
	Timestamp time.Time
}

func (*JobsExpired) eventMarker() {}

// ScheduleFired is emitted when a recurring schedule enqueues a job.
type ScheduleFired struct {
	Queue     string
	JobID     string
	Timestamp time.Time
}

func (*ScheduleFired) eventMarker() {}
