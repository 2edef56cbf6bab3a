package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/projectsync/pkg/core"
	intctx "github.com/jdziat/projectsync/pkg/internal/context"
	"github.com/jdziat/projectsync/pkg/internal/handler"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/schedule"
)

// Worker claims and runs jobs for every queue registered on its Queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]int
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval: 100 * time.Millisecond,
		ScheduleTick: time.Second,
		ExpiryTick:   30 * time.Second,
		WorkerID:     uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.ClaimRetry == nil {
		claimCfg := claimRetryConfig()
		config.ClaimRetry = &claimCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = q.Logger()
	}

	return &Worker{
		queue:    q,
		config:   config,
		logger:   logger.With("worker_id", config.WorkerID),
		inFlight: make(map[string]int),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Start begins processing jobs. It blocks until ctx is cancelled, then waits
// for the handlers already running to return.
func (w *Worker) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.dispatchLoop(gctx) })
	if w.config.EnableScheduler {
		g.Go(func() error { return w.schedulerLoop(gctx) })
	}
	g.Go(func() error { return w.expiryLoop(gctx) })

	w.logger.Info("worker started", "queues", len(w.queue.Registrations()), "scheduler", w.config.EnableScheduler)
	err := g.Wait()
	w.wg.Wait()
	w.logger.Info("worker stopped")
	return err
}

// InFlight returns how many jobs of queue name this worker is running.
func (w *Worker) InFlight(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight[name]
}

func (w *Worker) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.dispatch(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.queue.Wake():
		}
	}
}

// dispatch claims up to the free concurrency of every served queue and
// starts one goroutine per claimed job.
func (w *Worker) dispatch(ctx context.Context) {
	for _, reg := range w.queue.Registrations() {
		limit, ok := w.limit(reg)
		if !ok {
			continue
		}
		free := limit - w.InFlight(reg.Name)
		if free <= 0 {
			continue
		}

		jobs, err := w.claimWithRetry(ctx, reg.Name, free)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to claim jobs after retries", "queue", reg.Name, "error", err)
			}
			continue
		}

		for _, job := range jobs {
			w.mu.Lock()
			w.inFlight[reg.Name]++
			w.mu.Unlock()

			w.wg.Add(1)
			go func(reg queue.Registration, job *core.Job) {
				defer w.wg.Done()
				defer func() {
					w.mu.Lock()
					w.inFlight[reg.Name]--
					w.mu.Unlock()
					w.queue.Notify()
				}()
				w.processJob(ctx, reg, job)
			}(reg, job)
		}
	}
}

// limit is the concurrency cap for reg, or false when this worker does not
// serve the queue.
func (w *Worker) limit(reg queue.Registration) (int, bool) {
	if w.config.Queues == nil {
		return reg.Concurrency, true
	}
	n, ok := w.config.Queues[reg.Name]
	if !ok {
		return 0, false
	}
	if n <= 0 {
		return reg.Concurrency, true
	}
	return n, true
}

// claimWithRetry claims jobs with exponential backoff on failure.
func (w *Worker) claimWithRetry(ctx context.Context, name string, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		jobs, claimErr = w.queue.Storage().ClaimNext(ctx, name, limit)
		return claimErr
	})
	return jobs, err
}

// processJob runs one claimed job and records its outcome. The handler and
// the state update are detached from ctx so a shutdown lets them finish.
func (w *Worker) processJob(ctx context.Context, reg queue.Registration, job *core.Job) {
	ctx = context.WithoutCancel(ctx)
	startTime := time.Now()

	jc := intctx.NewJobContext(job)
	w.queue.RegisterRunningJob(jc)
	defer w.queue.UnregisterRunningJob(job.ID)

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	err := handler.Execute(intctx.WithJobContext(ctx, jc), reg.Handler, job)

	switch {
	case err == nil:
		w.complete(ctx, job, startTime)
	case errors.Is(err, core.ErrJobCancelled):
		w.cancelled(ctx, job)
	default:
		w.fail(ctx, job, err)
	}
}

func (w *Worker) complete(ctx context.Context, job *core.Job, startTime time.Time) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().MarkCompleted(ctx, job.ID)
	})
	if err != nil {
		w.logger.Error("failed to complete job after retries", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}

	if !w.stored(ctx, job, core.StateCompleted) {
		return
	}

	w.logger.Debug("job completed", "queue", job.Queue, "job_id", job.ID, "duration", time.Since(startTime))
	w.queue.CallCompleteHooks(ctx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// stored reports whether job ended in state. MarkCompleted and MarkFailed
// are no-ops on a job that was cancelled while it ran, possibly by another
// process; its outcome hooks and events are then skipped. A failed read
// assumes the write went through.
func (w *Worker) stored(ctx context.Context, job *core.Job, state core.JobState) bool {
	current, err := w.queue.Storage().GetJob(ctx, job.ID)
	if err != nil || current == nil {
		if err != nil {
			w.logger.Warn("could not read back job outcome", "queue", job.Queue, "job_id", job.ID, "error", err)
		}
		return true
	}
	if current.State != state {
		w.logger.Info("job finished after cancellation", "queue", job.Queue, "job_id", job.ID, "status", current.State)
		return false
	}
	return true
}

func (w *Worker) cancelled(ctx context.Context, job *core.Job) {
	var n int64
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		var cancelErr error
		n, cancelErr = w.queue.Storage().MarkCancelled(ctx, []string{job.ID})
		return cancelErr
	})
	if err != nil {
		w.logger.Error("failed to cancel job after retries", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	w.logger.Info("job stopped on cancel request", "queue", job.Queue, "job_id", job.ID)
	if n > 0 {
		w.queue.CallCancelHooks(ctx, job.Queue, n)
		w.queue.Emit(&core.JobsCancelled{Queue: job.Queue, Count: n, Timestamp: time.Now()})
	}
}

func (w *Worker) fail(ctx context.Context, job *core.Job, jobErr error) {
	attrs := []any{"queue", job.Queue, "job_id", job.ID, "error", jobErr}
	if job.ParentJobID != nil {
		attrs = append(attrs, "parent_job_id", *job.ParentJobID)
	}
	var panicErr *handler.PanicError
	if errors.As(jobErr, &panicErr) {
		attrs = append(attrs, "stack", string(panicErr.Stack))
	}
	w.logger.Error("job failed", attrs...)

	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().MarkFailed(ctx, job.ID, jobErr.Error())
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	if !w.stored(ctx, job, core.StateFailed) {
		return
	}
	w.queue.CallFailHooks(ctx, job, jobErr)
	w.queue.Emit(&core.JobFailed{Job: job, Error: jobErr, Timestamp: time.Now()})
}

func (w *Worker) schedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.ScheduleTick)
	defer ticker.Stop()

	for {
		w.fireDue(ctx, time.Now())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fireDue enqueues one job for every schedule whose next fire time is at or
// before now. Missed fires collapse into one.
func (w *Worker) fireDue(ctx context.Context, now time.Time) {
	schedules, err := w.queue.Storage().ListSchedules(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list schedules", "error", err)
		}
		return
	}

	for _, s := range schedules {
		sched, err := schedule.Parse(s.CronExpr)
		if err != nil {
			w.logger.Error("invalid stored schedule", "queue", s.Queue, "cron", s.CronExpr, "error", err)
			continue
		}
		if _, due := schedule.Due(sched, s.Anchor(), now); !due {
			continue
		}

		job, err := w.queue.Storage().FireSchedule(ctx, s, now)
		if err != nil {
			w.logger.Error("failed to fire schedule", "queue", s.Queue, "error", err)
			continue
		}
		if job == nil {
			// Another worker fired it, or the schedule changed.
			continue
		}
		w.logger.Info("schedule fired", "queue", s.Queue, "job_id", job.ID, "cron", s.CronExpr)
		w.queue.CallSendHooks(ctx, job)
		w.queue.Emit(&core.ScheduleFired{Queue: s.Queue, JobID: job.ID, Timestamp: now})
		w.queue.Notify()
	}
}

func (w *Worker) expiryLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.ExpiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.expire(ctx, time.Now())
		}
	}
}

// expire moves active jobs that outlived their queue's expiry to expired.
func (w *Worker) expire(ctx context.Context, now time.Time) {
	for _, reg := range w.queue.Registrations() {
		if reg.Expiry <= 0 {
			continue
		}
		n, err := w.queue.Storage().ExpireActive(ctx, reg.Name, now.Add(-reg.Expiry))
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("failed to expire jobs", "queue", reg.Name, "error", err)
			}
			continue
		}
		if n > 0 {
			w.logger.Warn("jobs expired", "queue", reg.Name, "count", n, "expiry", reg.Expiry)
			w.queue.Emit(&core.JobsExpired{Queue: reg.Name, Count: n, Timestamp: now})
		}
	}
}

// String describes the worker for logs.
func (w *Worker) String() string {
	return fmt.Sprintf("worker(%s)", w.config.WorkerID)
}
