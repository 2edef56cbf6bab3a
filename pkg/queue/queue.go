package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/projectsync/pkg/core"
	intctx "github.com/jdziat/projectsync/pkg/internal/context"
	"github.com/jdziat/projectsync/pkg/internal/handler"
	"github.com/jdziat/projectsync/pkg/schedule"
	"github.com/jdziat/projectsync/pkg/security"
)

// HandlerFunc processes one job. Returning an error fails the job; returning
// an error wrapping core.ErrJobCancelled records it as cancelled.
type HandlerFunc = handler.Func

// Registration is a queue's worker definition.
type Registration struct {
	Name        string
	Concurrency int
	// Expiry moves active jobs older than this to expired. Zero disables it.
	Expiry  time.Duration
	Handler HandlerFunc
}

// Queue manages registrations, enqueueing, cancellation and job events.
type Queue struct {
	storage       core.Storage
	logger        *slog.Logger
	registrations map[string]*Registration
	mu            sync.RWMutex

	// Hooks
	onSend     []func(context.Context, *core.Job)
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onCancel   []func(context.Context, string, int64)

	// Event stream
	eventSubs []chan core.Event

	// Jobs executing in this process, by id
	runningJobs   map[string]*intctx.JobContext
	runningJobsMu sync.Mutex

	wake chan struct{}
}

// New creates a new Queue with the given storage backend.
func New(s core.Storage, opts ...QueueOption) *Queue {
	q := &Queue{
		storage:       s,
		logger:        slog.Default(),
		registrations: make(map[string]*Registration),
		runningJobs:   make(map[string]*intctx.JobContext),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt.applyQueue(q)
	}
	return q
}

// Work registers fn as the handler for queue name with a per-process
// concurrency cap. Registering the same name again replaces the previous
// registration. Invalid names panic.
func (q *Queue) Work(name string, concurrency int, fn HandlerFunc, opts ...WorkOption) {
	if err := security.ValidateQueueName(name); err != nil {
		panic(fmt.Sprintf("jobs: invalid queue name %q: %v", name, err))
	}
	if fn == nil {
		panic(fmt.Sprintf("jobs: handler for %q cannot be nil", name))
	}

	reg := &Registration{
		Name:        name,
		Concurrency: security.ClampConcurrency(concurrency),
		Handler:     fn,
	}
	for _, opt := range opts {
		opt.applyWork(reg)
	}

	q.mu.Lock()
	q.registrations[name] = reg
	q.mu.Unlock()

	q.logger.Debug("queue registered", "queue", name, "concurrency", reg.Concurrency)
}

// Register registers a handler whose payload is decoded into T before it
// runs.
func Register[T any](q *Queue, name string, concurrency int, fn func(ctx context.Context, job *core.Job, payload T) error, opts ...WorkOption) {
	h, err := handler.Typed(fn)
	if err != nil {
		panic(fmt.Sprintf("jobs: handler for %q: %v", name, err))
	}
	q.Work(name, concurrency, h, opts...)
}

// Registration returns the registration for name.
func (q *Queue) Registration(name string) (Registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	reg, ok := q.registrations[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Registrations returns every registration sorted by name.
func (q *Queue) Registrations() []Registration {
	q.mu.RLock()
	regs := make([]Registration, 0, len(q.registrations))
	for _, reg := range q.registrations {
		regs = append(regs, *reg)
	}
	q.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Logger returns the queue's logger.
func (q *Queue) Logger() *slog.Logger {
	return q.logger
}

func encodePayload(payload any) ([]byte, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
		data = nil
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("jobs: failed to marshal payload: %w", err)
		}
		data = b
	}
	if err := security.ValidatePayload(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (q *Queue) newJob(name string, payload any, opts []Option) (*core.Job, *Options, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, nil, err
	}
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}
	if err := security.ValidateUniqueKey(options.UniqueKey); err != nil {
		return nil, nil, err
	}
	if err := security.ValidateUserID(options.CreatedBy); err != nil {
		return nil, nil, err
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, nil, err
	}

	job := &core.Job{
		Queue:     name,
		Payload:   data,
		UniqueKey: options.UniqueKey,
		CreatedBy: options.CreatedBy,
	}
	if options.ParentJobID != "" {
		parent := options.ParentJobID
		job.ParentJobID = &parent
	}
	return job, options, nil
}

// Send enqueues one job on queue name and returns its id without waiting for
// it to run. A handler does not have to be registered in this process.
func (q *Queue) Send(ctx context.Context, name string, payload any, opts ...Option) (string, error) {
	job, options, err := q.newJob(name, payload, opts)
	if err != nil {
		return "", err
	}

	if options.UniqueKey != "" {
		if err := q.storage.InsertUnique(ctx, job); err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				return "", err
			}
			return "", fmt.Errorf("jobs: failed to enqueue: %w", err)
		}
	} else if err := q.storage.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("jobs: failed to enqueue: %w", err)
	}

	q.CallSendHooks(ctx, job)
	q.Notify()
	return job.ID, nil
}

// Entry is one job of an Insert batch.
type Entry struct {
	Queue   string
	Payload any
	Options []Option
}

// Insert enqueues every entry atomically: either all jobs are stored or none.
func (q *Queue) Insert(ctx context.Context, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) > security.MaxBatchSize {
		return nil, fmt.Errorf("jobs: batch of %d exceeds %d", len(entries), security.MaxBatchSize)
	}

	jobs := make([]*core.Job, 0, len(entries))
	for _, e := range entries {
		job, options, err := q.newJob(e.Queue, e.Payload, e.Options)
		if err != nil {
			return nil, err
		}
		if options.UniqueKey != "" {
			return nil, errors.New("jobs: unique keys are not supported in batch inserts")
		}
		jobs = append(jobs, job)
	}

	if err := q.storage.InsertBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("jobs: failed to insert batch: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
		q.CallSendHooks(ctx, job)
	}
	q.Notify()
	return ids, nil
}

// Schedule installs a recurring trigger that enqueues payload on queue name.
// Re-installing the same cron and payload is a no-op; a different cron
// replaces the previous one. It reports whether anything changed.
func (q *Queue) Schedule(ctx context.Context, name, cronExpr string, payload any) (bool, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return false, err
	}
	if err := schedule.Validate(cronExpr); err != nil {
		return false, err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return false, err
	}

	changed, err := q.storage.UpsertSchedule(ctx, &core.Schedule{
		Queue:    name,
		CronExpr: cronExpr,
		Payload:  data,
	})
	if err != nil {
		return false, fmt.Errorf("jobs: failed to save schedule: %w", err)
	}
	if changed {
		q.logger.Info("schedule installed", "queue", name, "cron", cronExpr)
	}
	return changed, nil
}

// Unschedule removes the recurring trigger of queue name.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	if err := q.storage.DeleteSchedule(ctx, name); err != nil {
		return err
	}
	q.logger.Info("schedule removed", "queue", name)
	return nil
}

// GetSchedule returns the installed schedule of queue name, or nil.
func (q *Queue) GetSchedule(ctx context.Context, name string) (*core.Schedule, error) {
	return q.storage.GetSchedule(ctx, name)
}

// Cancel moves the given created or active jobs to cancelled. Handlers that
// are already running are not interrupted; their cancel flag is raised and
// their eventual result is ignored. Unknown and finished ids are skipped.
func (q *Queue) Cancel(ctx context.Context, jobIDs []string) (int64, error) {
	byQueue := make(map[string][]string)
	for _, id := range jobIDs {
		job, err := q.storage.GetJob(ctx, id)
		if err != nil {
			return 0, err
		}
		if job == nil || job.State.IsTerminal() {
			continue
		}
		byQueue[job.Queue] = append(byQueue[job.Queue], id)
	}

	var total int64
	for name, ids := range byQueue {
		n, err := q.storage.MarkCancelled(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("jobs: failed to cancel: %w", err)
		}
		q.raiseCancelFlags(func(job *core.Job) bool { return contains(ids, job.ID) })
		total += n
		q.cancelled(ctx, name, n)
	}
	return total, nil
}

// CancelQueued cancels every job of queue name that has not been claimed
// yet. Jobs already active keep running and finish through their own
// handler outcome; their cancel flag is raised so cooperative handlers can
// stop early.
func (q *Queue) CancelQueued(ctx context.Context, name string) (int64, error) {
	ids, err := q.storage.ListByState(ctx, name, core.StateCreated)
	if err != nil {
		return 0, err
	}

	n, err := q.storage.CancelCreated(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("jobs: failed to cancel: %w", err)
	}
	q.raiseCancelFlags(func(job *core.Job) bool { return job.Queue == name })
	q.cancelled(ctx, name, n)
	return n, nil
}

func (q *Queue) cancelled(ctx context.Context, name string, n int64) {
	q.logger.Info("jobs cancelled", "queue", name, "count", n)
	q.CallCancelHooks(ctx, name, n)
	q.Emit(&core.JobsCancelled{Queue: name, Count: n, Timestamp: time.Now()})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// GetJob returns the stored job, or nil when it does not exist.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return q.storage.GetJob(ctx, jobID)
}

// GetStatus returns the polling view of a job.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (core.Status, error) {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return core.Status{}, err
	}
	if job == nil {
		return core.Status{}, core.ErrJobNotFound
	}
	return core.StatusOf(job), nil
}

// Wait polls the job until it reaches a terminal state or ctx is done.
func (q *Queue) Wait(ctx context.Context, jobID string, every time.Duration) (core.Status, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		st, err := q.GetStatus(ctx, jobID)
		if err != nil {
			return st, err
		}
		if st.IsFinished {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Summarize reports the most recent runs of scheduleQueue and their children.
func (q *Queue) Summarize(ctx context.Context, scheduleQueue string, limit int) ([]core.RunSummary, error) {
	return q.storage.Summarize(ctx, scheduleQueue, limit)
}

// Notify wakes a worker waiting for new jobs. It never blocks.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel Notify signals on.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// OnJobSend registers a callback for every enqueued job.
func (q *Queue) OnJobSend(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onSend = append(q.onSend, fn)
	q.mu.Unlock()
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnJobCancel registers a callback receiving the queue and the number of
// jobs an operator cancelled.
func (q *Queue) OnJobCancel(fn func(context.Context, string, int64)) {
	q.mu.Lock()
	q.onCancel = append(q.onCancel, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers drop events.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallSendHooks calls all registered send hooks.
func (q *Queue) CallSendHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onSend))
	copy(hooks, q.onSend)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallCancelHooks calls all registered cancel hooks.
func (q *Queue) CallCancelHooks(ctx context.Context, name string, n int64) {
	q.mu.RLock()
	hooks := make([]func(context.Context, string, int64), len(q.onCancel))
	copy(hooks, q.onCancel)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, name, n)
	}
}

// --- Running Job Registry ---

// RegisterRunningJob records a job executing in this process so
// cancellation can raise its flag.
func (q *Queue) RegisterRunningJob(jc *intctx.JobContext) {
	q.runningJobsMu.Lock()
	q.runningJobs[jc.Job.ID] = jc
	q.runningJobsMu.Unlock()
}

// UnregisterRunningJob removes a job from the running registry.
func (q *Queue) UnregisterRunningJob(jobID string) {
	q.runningJobsMu.Lock()
	delete(q.runningJobs, jobID)
	q.runningJobsMu.Unlock()
}

// RunningJobs returns the ids of jobs executing in this process.
func (q *Queue) RunningJobs() []string {
	q.runningJobsMu.Lock()
	defer q.runningJobsMu.Unlock()
	ids := make([]string, 0, len(q.runningJobs))
	for id := range q.runningJobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunningByQueue counts the jobs executing in this process per queue.
func (q *Queue) RunningByQueue() map[string]int {
	q.runningJobsMu.Lock()
	defer q.runningJobsMu.Unlock()
	out := make(map[string]int)
	for _, jc := range q.runningJobs {
		out[jc.Job.Queue]++
	}
	return out
}

func (q *Queue) raiseCancelFlags(match func(*core.Job) bool) {
	q.runningJobsMu.Lock()
	defer q.runningJobsMu.Unlock()
	for _, jc := range q.runningJobs {
		if match(jc.Job) {
			jc.RequestCancel()
		}
	}
}
