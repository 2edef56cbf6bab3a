// Package projectsync runs the background jobs of the project-management
// application: the nightly ERP actuals sync and on-demand reports.
//
// This is the main package users should import. It wires the job queue,
// the worker, the sync orchestrator and the report runner over one gorm
// database and exposes the operator surface.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("projectsync.db"), &gorm.Config{})
//	info := erp.New(erp.Config{Name: "project-info", BaseURL: infoURL})
//	ledger := erp.New(erp.Config{Name: "actuals", BaseURL: actualsURL})
//
//	app, _ := projectsync.New(db, sapsync.DefaultConfig(), info, ledger)
//	app.Migrate(ctx)
//	go app.Start(ctx)
//
//	id, _ := app.TriggerSyncNow(ctx, "user-42")
//	status, _ := app.GetJobStatus(ctx, id)
package projectsync

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/projectsync/pkg/actuals"
	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/projectcache"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/report"
	"github.com/jdziat/projectsync/pkg/sapsync"
	"github.com/jdziat/projectsync/pkg/storage"
	"github.com/jdziat/projectsync/pkg/telemetry"
	"github.com/jdziat/projectsync/pkg/worker"
)

// Type aliases for the types the operator surface returns.
type (
	// Job represents a unit of work to be processed.
	Job = core.Job

	// JobState is the lifecycle state of a job.
	JobState = core.JobState

	// Status is the polling view of a job.
	Status = core.Status

	// RunSummary describes one sync run and its children.
	RunSummary = core.RunSummary

	// ScheduleStatus describes the recurring sync trigger.
	ScheduleStatus = sapsync.ScheduleStatus

	// ActualsParams selects the rows of an actuals report.
	ActualsParams = report.ActualsParams

	// Download is a finished report file.
	Download = report.Download

	// Snapshot is one distinct version of a project's ERP record.
	Snapshot = projectcache.Snapshot
)

// State constants
const (
	StateCreated   = core.StateCreated
	StateActive    = core.StateActive
	StateCompleted = core.StateCompleted
	StateFailed    = core.StateFailed
	StateCancelled = core.StateCancelled
	StateExpired   = core.StateExpired
)

// Error variables
var (
	ErrJobNotFound      = core.ErrJobNotFound
	ErrSyncPending      = sapsync.ErrSyncPending
	ErrReportNotFound   = report.ErrNotFound
	ErrInvalidCron      = core.ErrInvalidCron
	ErrScheduleNotFound = core.ErrScheduleNotFound
)

// Option configures an App.
type Option interface {
	apply(*appConfig)
}

type optionFunc func(*appConfig)

func (f optionFunc) apply(c *appConfig) { f(c) }

type appConfig struct {
	logger            *slog.Logger
	workerOpts        []worker.WorkerOption
	sink              report.BlobSink
	reportConcurrency int
	clock             func() time.Time
	metrics           bool
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *appConfig) { c.logger = l })
}

// WithWorkerOptions passes options to the worker.
func WithWorkerOptions(opts ...worker.WorkerOption) Option {
	return optionFunc(func(c *appConfig) { c.workerOpts = append(c.workerOpts, opts...) })
}

// WithReportSink stores report files in s instead of the database.
func WithReportSink(s report.BlobSink) Option {
	return optionFunc(func(c *appConfig) { c.sink = s })
}

// WithReportConcurrency caps concurrent report jobs in this process.
func WithReportConcurrency(n int) Option {
	return optionFunc(func(c *appConfig) { c.reportConcurrency = n })
}

// WithClock replaces time.Now for the sync's refresh window.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *appConfig) { c.clock = now })
}

// WithMetrics attaches the Prometheus queue metrics.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(c *appConfig) { c.metrics = enabled })
}

// App is the assembled job pipeline.
type App struct {
	db        *gorm.DB
	store     *storage.GormStorage
	queue     *queue.Queue
	worker    *worker.Worker
	sync      *sapsync.Orchestrator
	cache     *projectcache.Cache
	actuals   *actuals.Store
	artifacts *report.Artifacts
	reports   *report.Runner[report.ActualsParams]
	logger    *slog.Logger
	metrics   bool
}

// New assembles the pipeline on db. info and ledger are the ERP services for
// project data and ledger lines; usually two erp.Client values.
func New(db *gorm.DB, cfg sapsync.Config, info sapsync.ProjectSource, ledger sapsync.ActualsSource, opts ...Option) (*App, error) {
	c := &appConfig{logger: slog.Default(), reportConcurrency: 2, sink: report.DBSink{}}
	for _, opt := range opts {
		opt.apply(c)
	}

	store := storage.NewGormStorage(db)
	q := queue.New(store, queue.WithLogger(c.logger))
	if c.metrics {
		telemetry.Instrument(q)
	}

	cache := projectcache.New(db, projectcache.WithLogger(c.logger))
	act := actuals.NewStore(db)

	syncOpts := []sapsync.Option{sapsync.WithLogger(c.logger)}
	if c.clock != nil {
		syncOpts = append(syncOpts, sapsync.WithClock(c.clock))
	}
	orch, err := sapsync.New(q, cfg, info, ledger, cache, act, syncOpts...)
	if err != nil {
		return nil, err
	}
	orch.Register()

	artifacts := report.NewArtifacts(db, report.WithSink(c.sink), report.WithLogger(c.logger))
	reports := report.Register(q, artifacts, report.ActualsReport(act), c.reportConcurrency)

	workerOpts := append([]worker.WorkerOption{worker.WithScheduler(true), worker.WithLogger(c.logger)}, c.workerOpts...)

	return &App{
		db:        db,
		store:     store,
		queue:     q,
		worker:    worker.NewWorker(q, workerOpts...),
		sync:      orch,
		cache:     cache,
		actuals:   act,
		artifacts: artifacts,
		reports:   reports,
		logger:    c.logger,
		metrics:   c.metrics,
	}, nil
}

// Migrate creates every table the pipeline uses.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	if err := a.cache.Migrate(ctx); err != nil {
		return err
	}
	if err := a.actuals.Migrate(ctx); err != nil {
		return err
	}
	return a.artifacts.Migrate(ctx)
}

// Start runs the worker and the scheduler until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("projectsync starting", "worker", a.worker.String())
	if a.metrics {
		go telemetry.Watch(ctx, a.queue)
	}
	return a.worker.Start(ctx)
}

// Queue returns the job queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Sync returns the sync orchestrator.
func (a *App) Sync() *sapsync.Orchestrator { return a.sync }

// TriggerSyncNow enqueues a sync run. ErrSyncPending means an earlier manual
// run has not started yet.
func (a *App) TriggerSyncNow(ctx context.Context, userID string) (string, error) {
	return a.sync.TriggerSyncNow(ctx, userID)
}

// RunSync triggers a sync and waits for the trigger to fan out, retrying a
// failed trigger per policy.
func (a *App) RunSync(ctx context.Context, userID string, policy queue.RetryPolicy) (string, error) {
	return a.sync.RunSync(ctx, userID, policy)
}

// CancelPendingSync cancels queued sync jobs and returns how many.
func (a *App) CancelPendingSync(ctx context.Context, userID string) (int64, error) {
	return a.sync.CancelPendingSync(ctx, userID)
}

// EnableSyncSchedule installs the recurring sync; an empty cron uses the
// configured one.
func (a *App) EnableSyncSchedule(ctx context.Context, userID, cronExpr string) (bool, error) {
	return a.sync.EnableSyncSchedule(ctx, userID, cronExpr)
}

// DisableSyncSchedule removes the recurring sync.
func (a *App) DisableSyncSchedule(ctx context.Context, userID string) error {
	return a.sync.DisableSyncSchedule(ctx, userID)
}

// SyncScheduleStatus describes the recurring sync.
func (a *App) SyncScheduleStatus(ctx context.Context) (ScheduleStatus, error) {
	return a.sync.ScheduleStatus(ctx)
}

// GetSyncSummary reports the latest sync runs, newest first.
func (a *App) GetSyncSummary(ctx context.Context, limit int) ([]RunSummary, error) {
	return a.sync.GetSyncSummary(ctx, limit)
}

// LastFullySyncedAt is when the latest fully successful run finished.
func (a *App) LastFullySyncedAt(ctx context.Context) (*time.Time, error) {
	return a.sync.LastFullySyncedAt(ctx, sapsync.DefaultSummaryLimit)
}

// GetJobStatus returns the polling view of any job.
func (a *App) GetJobStatus(ctx context.Context, jobID string) (Status, error) {
	return a.queue.GetStatus(ctx, jobID)
}

// StartReportJob enqueues an actuals report.
func (a *App) StartReportJob(ctx context.Context, userID string, params ActualsParams) (string, error) {
	return a.reports.Start(ctx, userID, params)
}

// ProjectSnapshot returns the latest cached ERP record of projectID, or nil
// when the project was never synced.
func (a *App) ProjectSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	return a.cache.Get(ctx, projectID)
}

// ProjectSnapshots returns every distinct cached ERP record of projectID,
// most recently checked first.
func (a *App) ProjectSnapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	return a.cache.History(ctx, projectID)
}

// DownloadReport returns the file of a completed report job, or
// ErrReportNotFound.
func (a *App) DownloadReport(ctx context.Context, jobID string) (*Download, error) {
	return a.reports.Download(ctx, jobID)
}
