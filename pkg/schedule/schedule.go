package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/projectsync/pkg/core"
)

// Schedule computes fire times for a recurring trigger. String returns the
// expression that is persisted and later re-parsed with Parse.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a five-field cron expression or an @-descriptor such as
// "@daily" or "@every 1h".
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidCron, expr, err)
	}
	return &cronSchedule{expr: expr, schedule: s}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Due reports whether s has a fire time after anchor and at or before now,
// and returns that time. Missed fires collapse into one.
func Due(s Schedule, anchor, now time.Time) (time.Time, bool) {
	next := s.Next(anchor)
	if next.IsZero() || next.After(now) {
		return next, false
	}
	return next, true
}

// cronSchedule wraps a parsed cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *cronSchedule) String() string {
	return s.expr
}
