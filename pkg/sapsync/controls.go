package sapsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/schedule"
)

// manualTriggerKey keeps at most one manual trigger pending.
const manualTriggerKey = "sap-sync:manual"

// DefaultSummaryLimit is used when GetSyncSummary gets no limit.
const DefaultSummaryLimit = 10

// ErrSyncPending is returned by TriggerSyncNow while an earlier manual
// trigger has not finished.
var ErrSyncPending = fmt.Errorf("sapsync: a manual sync is already pending: %w", core.ErrDuplicateJob)

// TriggerSyncNow enqueues a trigger job without waiting for the schedule.
func (o *Orchestrator) TriggerSyncNow(ctx context.Context, userID string) (string, error) {
	id, err := o.q.Send(ctx, TriggerQueue, TriggerPayload{Reason: "manual", UserID: userID},
		queue.Unique(manualTriggerKey), queue.CreatedBy(userID))
	if errors.Is(err, core.ErrDuplicateJob) {
		o.logger.Info("manual sync already pending", "user_id", userID)
		return "", ErrSyncPending
	}
	if err != nil {
		return "", err
	}
	o.logger.Info("manual sync requested", "user_id", userID, "job_id", id)
	return id, nil
}

// RunSync enqueues a manual trigger and waits until it has fanned out,
// sending a new trigger when one fails, up to policy.MaxRetries times. Child
// jobs are not awaited.
func (o *Orchestrator) RunSync(ctx context.Context, userID string, policy queue.RetryPolicy) (string, error) {
	id, err := o.q.SendWithRetry(ctx, TriggerQueue, TriggerPayload{Reason: "manual", UserID: userID}, policy,
		queue.Unique(manualTriggerKey), queue.CreatedBy(userID))
	if errors.Is(err, core.ErrDuplicateJob) {
		return "", ErrSyncPending
	}
	if err != nil {
		return id, err
	}
	o.logger.Info("manual sync fanned out", "user_id", userID, "job_id", id)
	return id, nil
}

// CancelPendingSync cancels every unclaimed trigger and child job. Children
// already running finish through their own outcome, stopping at the next
// fiscal year boundary. It returns how many jobs were cancelled.
func (o *Orchestrator) CancelPendingSync(ctx context.Context, userID string) (int64, error) {
	triggers, err := o.q.CancelQueued(ctx, TriggerQueue)
	if err != nil {
		return 0, err
	}
	children, err := o.q.CancelQueued(ctx, ProjectQueue)
	if err != nil {
		return triggers, err
	}
	o.logger.Info("sync cancelled", "user_id", userID, "triggers", triggers, "children", children)
	return triggers + children, nil
}

// EnableSyncSchedule installs the recurring trigger. An empty cronExpr uses
// the configured default. It reports whether the schedule changed.
func (o *Orchestrator) EnableSyncSchedule(ctx context.Context, userID, cronExpr string) (bool, error) {
	if cronExpr == "" {
		cronExpr = o.cfg.Cron
	}
	changed, err := o.q.Schedule(ctx, TriggerQueue, cronExpr, TriggerPayload{Reason: "schedule"})
	if err != nil {
		return false, err
	}
	o.logger.Info("sync schedule enabled", "user_id", userID, "cron", cronExpr, "changed", changed)
	return changed, nil
}

// DisableSyncSchedule removes the recurring trigger. Disabling an absent
// schedule is a no-op.
func (o *Orchestrator) DisableSyncSchedule(ctx context.Context, userID string) error {
	err := o.q.Unschedule(ctx, TriggerQueue)
	if errors.Is(err, core.ErrScheduleNotFound) {
		o.logger.Info("sync schedule already disabled", "user_id", userID)
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Info("sync schedule disabled", "user_id", userID)
	return nil
}

// GetSyncSummary reports the most recent sync runs, newest first.
func (o *Orchestrator) GetSyncSummary(ctx context.Context, limit int) ([]core.RunSummary, error) {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	return o.q.Summarize(ctx, TriggerQueue, limit)
}

// LastFullySyncedAt returns when the newest run whose trigger and children
// all completed finished, looking at the last limit runs. It is nil when no
// such run exists.
func (o *Orchestrator) LastFullySyncedAt(ctx context.Context, limit int) (*time.Time, error) {
	runs, err := o.GetSyncSummary(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.TriggerState != core.StateCompleted || r.CountsByState[core.StateCompleted] != r.TotalChildren {
			continue
		}
		if r.LastChildCompletedAt != nil {
			return r.LastChildCompletedAt, nil
		}
	}
	return nil, nil
}

// ScheduleStatus describes the recurring trigger.
type ScheduleStatus struct {
	Enabled     bool       `json:"enabled"`
	Cron        string     `json:"cron,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
}

// ScheduleStatus returns the installed schedule, if any.
func (o *Orchestrator) ScheduleStatus(ctx context.Context) (ScheduleStatus, error) {
	s, err := o.q.GetSchedule(ctx, TriggerQueue)
	if err != nil {
		return ScheduleStatus{}, err
	}
	if s == nil {
		return ScheduleStatus{}, nil
	}

	st := ScheduleStatus{Enabled: true, Cron: s.CronExpr, LastFiredAt: s.LastFiredAt}
	if parsed, err := schedule.Parse(s.CronExpr); err == nil {
		next := parsed.Next(s.Anchor())
		st.NextFireAt = &next
	}
	return st, nil
}
