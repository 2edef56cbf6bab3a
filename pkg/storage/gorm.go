package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/security"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection so other stores can share it.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the connection uses the SQLite dialect.
func (s *GormStorage) IsSQLite() bool {
	return s.dialect() == "sqlite"
}

// IsPostgres reports whether the connection uses the PostgreSQL dialect.
func (s *GormStorage) IsPostgres() bool {
	return s.dialect() == "postgres"
}

func (s *GormStorage) dialect() string {
	if s.db == nil || s.db.Dialector == nil {
		return ""
	}
	return s.db.Dialector.Name()
}

func now() time.Time {
	return time.Now().UTC()
}

// pendingUniqueIndex allows one created or active job per unique key. The
// partial index syntax is shared by SQLite and PostgreSQL.
const pendingUniqueIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_pending_unique_key
ON jobs (unique_key) WHERE unique_key <> '' AND state IN ('created', 'active')`

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&core.Job{}, &core.Schedule{}); err != nil {
		return err
	}
	return db.Exec(pendingUniqueIndex).Error
}

// isDuplicateKey reports whether err is a unique constraint violation of the
// connection's dialect.
func (s *GormStorage) isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if t, ok := s.db.Dialector.(gorm.ErrorTranslator); ok {
		return errors.Is(t.Translate(err), gorm.ErrDuplicatedKey)
	}
	return false
}

func prepare(job *core.Job, at time.Time) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = core.StateCreated
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = at
	}
	job.UpdatedAt = at
}

// Insert adds a single job in the created state.
func (s *GormStorage) Insert(ctx context.Context, job *core.Job) error {
	prepare(job, now())
	return s.db.WithContext(ctx).Create(job).Error
}

// InsertBatch adds every job in one transaction. Any failure rolls back the
// whole batch.
func (s *GormStorage) InsertBatch(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	at := now()
	for _, job := range jobs {
		prepare(job, at)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&jobs).Error
	})
}

// InsertUnique adds a job only if no created or active job holds the same
// unique key. The partial unique index created by Migrate decides races
// between concurrent callers.
func (s *GormStorage) InsertUnique(ctx context.Context, job *core.Job) error {
	if job.UniqueKey == "" {
		return s.Insert(ctx, job)
	}
	prepare(job, now())

	err := s.db.WithContext(ctx).Create(job).Error
	if err != nil && s.isDuplicateKey(err) {
		return core.ErrDuplicateJob
	}
	return err
}

// ClaimNext moves up to limit created jobs of queue to active and returns
// them, oldest first.
//
// The claim is one UPDATE over a LIMITed subquery guarded by state, stamped
// with a fresh claim token that is then used to read the claimed rows back.
// On PostgreSQL the subquery takes FOR UPDATE SKIP LOCKED row locks; SQLite
// serializes writers on its database lock.
func (s *GormStorage) ClaimNext(ctx context.Context, queue string, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	db := s.db.WithContext(ctx)
	token := uuid.New().String()
	at := now()

	candidates := db.Model(&core.Job{}).
		Select("id").
		Where("queue = ? AND state = ?", queue, core.StateCreated).
		Order("created_at ASC, id ASC").
		Limit(limit)
	if s.IsPostgres() {
		candidates = candidates.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	res := db.Model(&core.Job{}).
		Where("id IN (?)", candidates).
		Where("state = ?", core.StateCreated).
		Updates(map[string]any{
			"state":       core.StateActive,
			"claim_token": token,
			"started_at":  at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var jobs []*core.Job
	err := db.Where("claim_token = ?", token).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	return jobs, err
}

// finish moves one job from one of the given states to a terminal state.
// Missing jobs report ErrJobNotFound; a job already past from is left alone.
func (s *GormStorage) finish(ctx context.Context, jobID string, from []core.JobState, updates map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&core.Job{}).
		Where("id = ? AND state IN ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&core.Job{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// MarkCompleted moves an active job to completed. It is a no-op on a job that
// already finished.
func (s *GormStorage) MarkCompleted(ctx context.Context, jobID string) error {
	at := now()
	return s.finish(ctx, jobID, []core.JobState{core.StateActive}, map[string]any{
		"state":        core.StateCompleted,
		"completed_at": at,
		"updated_at":   at,
	})
}

// MarkFailed moves an active job to failed with a sanitized error message.
// It is a no-op on a job that already finished.
func (s *GormStorage) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	at := now()
	return s.finish(ctx, jobID, []core.JobState{core.StateActive}, map[string]any{
		"state":        core.StateFailed,
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"completed_at": at,
		"updated_at":   at,
	})
}

func (s *GormStorage) cancel(ctx context.Context, jobIDs []string, from []core.JobState) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	at := now()
	res := s.db.WithContext(ctx).Model(&core.Job{}).
		Where("id IN ? AND state IN ?", jobIDs, from).
		Updates(map[string]any{
			"state":        core.StateCancelled,
			"completed_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected, res.Error
}

// MarkCancelled moves created or active jobs to cancelled and returns how
// many changed. Unknown and already finished ids are ignored.
func (s *GormStorage) MarkCancelled(ctx context.Context, jobIDs []string) (int64, error) {
	return s.cancel(ctx, jobIDs, []core.JobState{core.StateCreated, core.StateActive})
}

// CancelCreated cancels only the jobs that were never claimed.
func (s *GormStorage) CancelCreated(ctx context.Context, jobIDs []string) (int64, error) {
	return s.cancel(ctx, jobIDs, []core.JobState{core.StateCreated})
}

// ExpireActive moves active jobs of queue that started before startedBefore
// to expired.
func (s *GormStorage) ExpireActive(ctx context.Context, queue string, startedBefore time.Time) (int64, error) {
	at := now()
	res := s.db.WithContext(ctx).Model(&core.Job{}).
		Where("queue = ? AND state = ? AND started_at < ?", queue, core.StateActive, startedBefore.UTC()).
		Updates(map[string]any{
			"state":        core.StateExpired,
			"last_error":   "jobs: exceeded queue expiry",
			"completed_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected, res.Error
}

// GetJob retrieves a job by ID. It returns nil when the job does not exist.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListPending returns the ids of created or active jobs in queue.
func (s *GormStorage) ListPending(ctx context.Context, queue string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&core.Job{}).
		Where("queue = ? AND state IN ?", queue, []core.JobState{core.StateCreated, core.StateActive}).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// ListByState returns the ids of jobs in queue with the given state.
func (s *GormStorage) ListByState(ctx context.Context, queue string, state core.JobState) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&core.Job{}).
		Where("queue = ? AND state = ?", queue, state).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// Summarize reports, for the limit most recent jobs of scheduleQueue, how
// their children are distributed over states.
func (s *GormStorage) Summarize(ctx context.Context, scheduleQueue string, limit int) ([]core.RunSummary, error) {
	if limit <= 0 {
		limit = 1
	}
	db := s.db.WithContext(ctx)

	var triggers []*core.Job
	err := db.Where("queue = ?", scheduleQueue).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&triggers).Error
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return []core.RunSummary{}, nil
	}

	ids := make([]string, len(triggers))
	summaries := make([]core.RunSummary, len(triggers))
	byID := make(map[string]*core.RunSummary, len(triggers))
	for i, t := range triggers {
		ids[i] = t.ID
		summaries[i] = core.RunSummary{
			TriggerJobID:  t.ID,
			TriggerState:  t.State,
			CreatedAt:     t.CreatedAt,
			StartedAt:     t.StartedAt,
			CountsByState: map[core.JobState]int64{},
		}
		byID[t.ID] = &summaries[i]
	}

	type row struct {
		ParentJobID string
		State       core.JobState
		Count       int64
	}
	var rows []row
	err = db.Model(&core.Job{}).
		Select("parent_job_id, state, count(*) as count").
		Where("parent_job_id IN ?", ids).
		Group("parent_job_id, state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sum := byID[r.ParentJobID]
		if sum == nil {
			continue
		}
		sum.CountsByState[r.State] += r.Count
		sum.TotalChildren += r.Count
	}

	// Aggregates over timestamp columns come back as text on SQLite, so the
	// latest completion is read as a row.
	for i := range summaries {
		if summaries[i].TotalChildren == 0 {
			continue
		}
		var last core.Job
		err := db.Select("completed_at").
			Where("parent_job_id = ? AND completed_at IS NOT NULL", summaries[i].TriggerJobID).
			Order("completed_at DESC").
			Limit(1).
			Find(&last).Error
		if err != nil {
			return nil, err
		}
		summaries[i].LastChildCompletedAt = last.CompletedAt
	}

	return summaries, nil
}

// UpsertSchedule installs or replaces the schedule for s.Queue. It reports
// whether anything changed; the same cron and payload is a no-op that keeps
// the fire history.
func (s *GormStorage) UpsertSchedule(ctx context.Context, sched *core.Schedule) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.Schedule
		err := tx.First(&existing, "queue = ?", sched.Queue).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			at := now()
			sched.FireCount = 0
			sched.LastFiredAt = nil
			sched.CreatedAt = at
			sched.UpdatedAt = at
			changed = true
			return tx.Create(sched).Error
		}
		if err != nil {
			return err
		}

		if existing.CronExpr == sched.CronExpr && bytes.Equal(existing.Payload, sched.Payload) {
			*sched = existing
			return nil
		}

		// Bumping fire_count makes a fire racing with this change lose its
		// compare-and-swap.
		at := now()
		res := tx.Model(&core.Schedule{}).
			Where("queue = ? AND fire_count = ?", existing.Queue, existing.FireCount).
			Updates(map[string]any{
				"cron_expr":  sched.CronExpr,
				"payload":    sched.Payload,
				"fire_count": existing.FireCount + 1,
				"updated_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("jobs: schedule changed concurrently")
		}
		sched.FireCount = existing.FireCount + 1
		sched.LastFiredAt = existing.LastFiredAt
		sched.CreatedAt = existing.CreatedAt
		sched.UpdatedAt = at
		changed = true
		return nil
	})
	return changed, err
}

// DeleteSchedule removes the schedule for queue.
func (s *GormStorage) DeleteSchedule(ctx context.Context, queue string) error {
	res := s.db.WithContext(ctx).Where("queue = ?", queue).Delete(&core.Schedule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

// GetSchedule returns the schedule for queue, or nil when none is installed.
func (s *GormStorage) GetSchedule(ctx context.Context, queue string) (*core.Schedule, error) {
	var sched core.Schedule
	err := s.db.WithContext(ctx).First(&sched, "queue = ?", queue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListSchedules returns every installed schedule.
func (s *GormStorage) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	var scheds []*core.Schedule
	err := s.db.WithContext(ctx).Order("queue ASC").Find(&scheds).Error
	return scheds, err
}

// FireSchedule enqueues one job for sched in the same transaction that
// advances its fire counter. When another caller fired (or changed) the
// schedule since sched was read it returns nil, nil.
func (s *GormStorage) FireSchedule(ctx context.Context, sched *core.Schedule, at time.Time) (*core.Job, error) {
	at = at.UTC()
	var job *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&core.Schedule{}).
			Where("queue = ? AND fire_count = ?", sched.Queue, sched.FireCount).
			Updates(map[string]any{
				"fire_count":    sched.FireCount + 1,
				"last_fired_at": at,
				"updated_at":    at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		j := &core.Job{Queue: sched.Queue, Payload: sched.Payload}
		prepare(j, now())
		if err := tx.Create(j).Error; err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		sched.FireCount++
		sched.LastFiredAt = &at
		sched.UpdatedAt = at
	}
	return job, nil
}
