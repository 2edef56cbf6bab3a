// Package sapsync synchronizes project actuals from the ERP.
//
// A trigger job on TriggerQueue enumerates the configured companies and fans
// out one child job per project on ProjectQueue. Each child refreshes that
// project's yearly actuals. Children are independent: one failing never
// affects its siblings or the trigger.
package sapsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jdziat/projectsync/pkg/actuals"
	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/erp"
	"github.com/jdziat/projectsync/pkg/fanout"
	"github.com/jdziat/projectsync/pkg/jobctx"
	"github.com/jdziat/projectsync/pkg/projectcache"
	"github.com/jdziat/projectsync/pkg/queue"
)

// TriggerPayload is the payload of a trigger job.
type TriggerPayload struct {
	Reason string `json:"reason"`
	UserID string `json:"user_id,omitempty"`
}

// ProjectPayload is the payload of a child job. ParentJob duplicates the
// job's parent id for readers of the raw payload.
type ProjectPayload struct {
	ProjectID   string `json:"project_id"`
	CompanyCode string `json:"company_code"`
	ParentJob   string `json:"parent_job"`
}

// ProjectSource reads project master data.
type ProjectSource interface {
	CompanyProjects(ctx context.Context, company string) ([]string, error)
	ProjectInfo(ctx context.Context, projectID string) (*erp.ProjectInfo, error)
}

// ActualsSource reads ledger lines.
type ActualsSource interface {
	Actuals(ctx context.Context, projectID string, year int) ([]erp.LedgerLine, error)
}

// SnapshotCache records fetched project data.
type SnapshotCache interface {
	Put(ctx context.Context, projectID string, payload []byte) (*projectcache.Snapshot, bool, error)
}

// ActualsStore persists yearly totals.
type ActualsStore interface {
	Replace(ctx context.Context, projectID string, year int, total actuals.Total) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now; the current year is taken from it.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the sync queues and their operator controls.
type Orchestrator struct {
	q       *queue.Queue
	cfg     Config
	info    ProjectSource
	ledger  ActualsSource
	cache   SnapshotCache
	store   ActualsStore
	logger  *slog.Logger
	now     func() time.Time
	retryIn time.Duration
}

// New returns an orchestrator. info and ledger are usually two erp.Client
// instances configured for the project-info and actuals services.
func New(q *queue.Queue, cfg Config, info ProjectSource, ledger ActualsSource, cache SnapshotCache, store ActualsStore, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		q:       q,
		cfg:     cfg,
		info:    info,
		ledger:  ledger,
		cache:   cache,
		store:   store,
		logger:  q.Logger(),
		now:     time.Now,
		retryIn: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Register installs the trigger and child handlers on the queue.
func (o *Orchestrator) Register() {
	queue.Register(o.q, TriggerQueue, o.cfg.TriggerConcurrency, o.handleTrigger)
	queue.Register(o.q, ProjectQueue, o.cfg.Concurrency, o.handleProject)
}

// handleTrigger fans out one child per project of every configured company.
// A company that cannot be listed or enqueued is skipped and the rest still
// run; the trigger then fails with every per-company error joined. Each chunk
// commits on its own, so children already enqueued stay enqueued.
func (o *Orchestrator) handleTrigger(ctx context.Context, job *core.Job, p TriggerPayload) error {
	logger := o.logger.With("queue", job.Queue, "job_id", job.ID)
	logger.Info("sync triggered", "reason", p.Reason, "user_id", p.UserID, "companies", len(o.cfg.Companies))

	total := 0
	var errs []error
	for _, company := range o.cfg.Companies {
		if jobctx.Cancelled(ctx) {
			logger.Info("sync trigger stopped on cancel request", "enqueued", total)
			return core.ErrJobCancelled
		}

		var ids []string
		err := o.read(ctx, func() error {
			var err error
			ids, err = o.info.CompanyProjects(ctx, company)
			return err
		})
		if err != nil {
			logger.Error("company projects unavailable", "company", company, "error", err)
			errs = append(errs, fmt.Errorf("company %s: %s: %w", company, erp.OpCompanyProjects, err))
			continue
		}

		subJobs := make([]fanout.SubJob, len(ids))
		for i, id := range ids {
			subJobs[i] = fanout.Sub("", ProjectPayload{
				ProjectID:   id,
				CompanyCode: company,
				ParentJob:   job.ID,
			})
		}
		chunks, err := fanout.Spawn(ctx, o.q, subJobs,
			fanout.WithQueue(ProjectQueue),
			fanout.WithChunkSize(o.cfg.ChunkSize),
			fanout.CreatedBy(p.UserID))
		total += fanout.Count(chunks)
		if err != nil {
			logger.Error("company fan-out incomplete", "company", company, "enqueued", fanout.Count(chunks), "error", err)
			errs = append(errs, fmt.Errorf("company %s: %w", company, err))
			continue
		}
		logger.Info("company projects enqueued", "company", company, "projects", len(ids), "chunks", len(chunks))
	}

	if len(errs) > 0 {
		logger.Warn("sync fan-out finished with failed companies", "children", total, "failed_companies", len(errs))
		return errors.Join(errs...)
	}
	logger.Info("sync fan-out complete", "children", total)
	return nil
}

// handleProject refreshes one project's actuals for its refresh window.
func (o *Orchestrator) handleProject(ctx context.Context, job *core.Job, p ProjectPayload) error {
	logger := o.logger.With("queue", job.Queue, "job_id", job.ID, "project_id", p.ProjectID, "company", p.CompanyCode)
	if parent := jobctx.ParentJobIDFromContext(ctx); parent != "" {
		logger = logger.With("parent_job_id", parent)
	}

	var info *erp.ProjectInfo
	err := o.read(ctx, func() error {
		var err error
		info, err = o.info.ProjectInfo(ctx, p.ProjectID)
		return err
	})
	if err != nil {
		return fmt.Errorf("project %s: %s: %w", p.ProjectID, erp.OpProjectInfo, err)
	}

	if len(info.Raw) > 0 {
		if _, _, err := o.cache.Put(ctx, p.ProjectID, info.Raw); err != nil {
			return fmt.Errorf("project %s: cache: %w", p.ProjectID, err)
		}
	}

	currentYear := o.now().Year()
	from, to, skip := RefreshWindow(o.cfg.StartYear, o.cfg.EndYear, info.PlannedStartYear, currentYear)
	if skip {
		logger.Info("project starts in the future, skipping", "planned_start_year", info.PlannedStartYear)
		return nil
	}

	for year := from; year <= to; year++ {
		if jobctx.Cancelled(ctx) {
			logger.Info("project refresh stopped on cancel request", "year", year)
			return core.ErrJobCancelled
		}

		var lines []erp.LedgerLine
		err := o.read(ctx, func() error {
			var err error
			lines, err = o.ledger.Actuals(ctx, p.ProjectID, year)
			return err
		})
		if err != nil {
			return fmt.Errorf("project %s year %d: %s: %w", p.ProjectID, year, erp.OpActuals, err)
		}

		total, err := actuals.Aggregate(lines)
		if err != nil {
			return fmt.Errorf("project %s year %d: %w", p.ProjectID, year, err)
		}
		if err := o.store.Replace(ctx, p.ProjectID, year, total); err != nil {
			return fmt.Errorf("project %s year %d: %w", p.ProjectID, year, err)
		}
		logger.Debug("actuals refreshed", "year", year, "total_minor", total.Minor, "lines", total.Lines)
	}

	logger.Info("project synced", "from_year", from, "to_year", to)
	return nil
}

// read runs an ERP read with up to ReadRetries retries. Client errors other
// than 429 are not retried.
func (o *Orchestrator) read(ctx context.Context, fn func() error) error {
	if o.cfg.ReadRetries == 0 {
		return fn()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.retryIn
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.cfg.ReadRetries)), ctx)

	return backoff.Retry(func() error {
		err := fn()
		var se *erp.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
