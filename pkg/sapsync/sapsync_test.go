package sapsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/projectsync/pkg/actuals"
	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/erp"
	intctx "github.com/jdziat/projectsync/pkg/internal/context"
	"github.com/jdziat/projectsync/pkg/projectcache"
	"github.com/jdziat/projectsync/pkg/queue"
	"github.com/jdziat/projectsync/pkg/storage"
	"github.com/jdziat/projectsync/pkg/worker"
)

// fakeERP serves both the project-info and the actuals operations.
type fakeERP struct {
	mu           sync.Mutex
	companies    map[string][]string
	plannedStart map[string]int
	companyErr   map[string]error
	actualsErr   map[string]error
	infoFailures int // ProjectInfo fails this many times first
	actualsCalls map[string]int
}

func newFakeERP() *fakeERP {
	return &fakeERP{
		companies:    map[string][]string{},
		plannedStart: map[string]int{},
		companyErr:   map[string]error{},
		actualsErr:   map[string]error{},
		actualsCalls: map[string]int{},
	}
}

func (f *fakeERP) CompanyProjects(_ context.Context, company string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.companyErr[company]; err != nil {
		return nil, err
	}
	return f.companies[company], nil
}

func (f *fakeERP) ProjectInfo(_ context.Context, projectID string) (*erp.ProjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoFailures > 0 {
		f.infoFailures--
		return nil, &erp.StatusError{Operation: erp.OpProjectInfo, StatusCode: http.StatusBadGateway}
	}
	start, ok := f.plannedStart[projectID]
	if !ok {
		return nil, &erp.StatusError{Operation: erp.OpProjectInfo, StatusCode: http.StatusNotFound}
	}
	return &erp.ProjectInfo{
		ProjectID:        projectID,
		PlannedStartYear: start,
		Raw:              []byte(`{"project_id":"` + projectID + `","planned_start_year":` + itoa(start) + `}`),
	}, nil
}

func (f *fakeERP) Actuals(_ context.Context, projectID string, year int) ([]erp.LedgerLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actualsCalls[projectID]++
	if err := f.actualsErr[projectID]; err != nil {
		return nil, err
	}
	return []erp.LedgerLine{
		{Document: "D1", Amount: "100.25", Currency: "EUR"},
		{Document: "D2", Amount: "-0.25", Currency: "EUR"},
		{Document: "D3", Amount: itoa(year), Currency: "EUR"},
	}, nil
}

func (f *fakeERP) calls(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actualsCalls[projectID]
}

func itoa(n int) string { return strconv.Itoa(n) }

// countingStorage counts batch inserts.
type countingStorage struct {
	core.Storage
	batches atomic.Int32
}

func (c *countingStorage) InsertBatch(ctx context.Context, jobs []*core.Job) error {
	c.batches.Add(1)
	return c.Storage.InsertBatch(ctx, jobs)
}

type harness struct {
	q     *queue.Queue
	store *countingStorage
	erp   *fakeERP
	o     *Orchestrator
	ac    *actuals.Store
	cache *projectcache.Cache
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db, storage.WithPoolConfig(storage.SQLitePoolConfig())))

	ctx := context.Background()
	gs := storage.NewGormStorage(db)
	require.NoError(t, gs.Migrate(ctx))
	cache := projectcache.New(db)
	require.NoError(t, cache.Migrate(ctx))
	ac := actuals.NewStore(db)
	require.NoError(t, ac.Migrate(ctx))

	cs := &countingStorage{Storage: gs}
	q := queue.New(cs)
	f := newFakeERP()

	o, err := New(q, cfg, f, f, cache, ac, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	o.retryIn = time.Millisecond
	o.Register()

	return &harness{q: q, store: cs, erp: f, o: o, ac: ac, cache: cache}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Companies = []string{"1111"}
	cfg.ChunkSize = 2
	cfg.StartYear = 2023
	return cfg
}

// inJob returns a handler context for job.
func inJob(job *core.Job) (context.Context, *intctx.JobContext) {
	jc := intctx.NewJobContext(job)
	return intctx.WithJobContext(context.Background(), jc), jc
}

func startWorker(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := worker.NewWorker(q, worker.PollInterval(5*time.Millisecond), worker.DisableRetry())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, Chunk([]string{"A", "B", "C"}, 2))
	assert.Empty(t, Chunk(nil, 50))
}

func TestRefreshWindow(t *testing.T) {
	tests := []struct {
		name                         string
		start, end, planned, current int
		wantFrom, wantTo             int
		wantSkip                     bool
	}{
		{"planned after start", 2015, 0, 2020, 2024, 2020, 2024, false},
		{"configured start wins", 2021, 0, 2018, 2024, 2021, 2024, false},
		{"end year caps", 2015, 2022, 2018, 2024, 2018, 2022, false},
		{"end year after current", 2015, 2030, 2018, 2024, 2018, 2024, false},
		{"planned this year", 2015, 0, 2024, 2024, 2024, 2024, false},
		{"future start skips", 2015, 0, 2025, 2024, 0, 0, true},
		{"unknown planned start", 2020, 0, 0, 2024, 2020, 2024, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, skip := RefreshWindow(tt.start, tt.end, tt.planned, tt.current)
			assert.Equal(t, tt.wantSkip, skip)
			if !skip {
				assert.Equal(t, tt.wantFrom, from)
				assert.Equal(t, tt.wantTo, to)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ChunkSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StartYear, cfg.EndYear = 2024, 2020
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cron = "every day"
	assert.ErrorIs(t, cfg.Validate(), core.ErrInvalidCron)
}

// ──────────────────────────────────────────────────────────────────────────────
// End to end
// ──────────────────────────────────────────────────────────────────────────────

func TestSync_EndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.erp.companies["1111"] = []string{"A", "B", "C"}
	for _, p := range []string{"A", "B", "C"} {
		h.erp.plannedStart[p] = 2020
	}

	startWorker(t, h.q)

	triggerID, err := h.o.TriggerSyncNow(ctx, "u-42")
	require.NoError(t, err)

	var summary []core.RunSummary
	require.Eventually(t, func() bool {
		summary, err = h.o.GetSyncSummary(ctx, 1)
		return err == nil && len(summary) == 1 &&
			summary[0].TriggerState == core.StateCompleted &&
			summary[0].TotalChildren == 3 && summary[0].Finished()
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), h.store.batches.Load(), "chunks [A,B] and [C]")
	assert.Equal(t, triggerID, summary[0].TriggerJobID)
	assert.Equal(t, int64(3), summary[0].CountsByState[core.StateCompleted])
	require.NotNil(t, summary[0].LastChildCompletedAt)

	children, err := h.store.ListByState(ctx, ProjectQueue, core.StateCompleted)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, id := range children {
		job, err := h.store.GetJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, job.ParentJobID)
		assert.Equal(t, triggerID, *job.ParentJobID)
		assert.Equal(t, "u-42", job.CreatedBy)
	}

	// 2023 and 2024 for every project.
	for _, p := range []string{"A", "B", "C"} {
		assert.Equal(t, 2, h.erp.calls(p))
		row, err := h.ac.Get(ctx, p, 2024)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, int64(10000+202400), row.TotalMinor)
	}

	last, err := h.o.LastFullySyncedAt(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, *summary[0].LastChildCompletedAt, *last, time.Millisecond)
}

func TestSync_ChildFailureDoesNotAffectSiblings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.erp.companies["1111"] = []string{"A", "B", "C"}
	for _, p := range []string{"A", "B", "C"} {
		h.erp.plannedStart[p] = 2020
	}
	h.erp.actualsErr["B"] = &erp.StatusError{Operation: erp.OpActuals, StatusCode: http.StatusInternalServerError}

	startWorker(t, h.q)

	_, err := h.o.TriggerSyncNow(ctx, "u-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		summary, err := h.o.GetSyncSummary(ctx, 1)
		return err == nil && len(summary) == 1 && summary[0].TotalChildren == 3 && summary[0].Finished()
	}, 10*time.Second, 10*time.Millisecond)

	summary, err := h.o.GetSyncSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, summary[0].TriggerState)
	assert.Equal(t, int64(2), summary[0].CountsByState[core.StateCompleted])
	assert.Equal(t, int64(1), summary[0].CountsByState[core.StateFailed])

	last, err := h.o.LastFullySyncedAt(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, last)
}

// ──────────────────────────────────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────────────────────────────────

func TestHandleProject_SkipsFutureProject(t *testing.T) {
	h := newHarness(t, testConfig())
	h.erp.plannedStart["F"] = 2030

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, _ := inJob(job)
	err := h.o.handleProject(ctx, job, ProjectPayload{ProjectID: "F", CompanyCode: "1111"})
	require.NoError(t, err)
	assert.Zero(t, h.erp.calls("F"))

	// Project data is still cached.
	snap, err := h.cache.Get(context.Background(), "F")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestHandleProject_RefreshIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.erp.plannedStart["A"] = 2020

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, _ := inJob(job)
	p := ProjectPayload{ProjectID: "A", CompanyCode: "1111"}

	require.NoError(t, h.o.handleProject(ctx, job, p))
	first, err := h.ac.Search(context.Background(), actuals.Filter{ProjectIDs: []string{"A"}})
	require.NoError(t, err)

	require.NoError(t, h.o.handleProject(ctx, job, p))
	second, err := h.ac.Search(context.Background(), actuals.Filter{ProjectIDs: []string{"A"}})
	require.NoError(t, err)

	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].TotalMinor, second[i].TotalMinor)
		assert.Equal(t, first[i].LineCount, second[i].LineCount)
	}

	history, err := h.cache.History(context.Background(), "A")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHandleProject_ErrorNamesProjectAndYear(t *testing.T) {
	h := newHarness(t, testConfig())
	h.erp.plannedStart["A"] = 2020
	h.erp.actualsErr["A"] = errors.New("connection reset")

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, _ := inJob(job)
	err := h.o.handleProject(ctx, job, ProjectPayload{ProjectID: "A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project A year 2023")
	assert.Contains(t, err.Error(), erp.OpActuals)
}

func TestHandleProject_StopsOnCancelRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	h.erp.plannedStart["A"] = 2020

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, jc := inJob(job)
	jc.RequestCancel()

	err := h.o.handleProject(ctx, job, ProjectPayload{ProjectID: "A"})
	assert.ErrorIs(t, err, core.ErrJobCancelled)
	assert.Zero(t, h.erp.calls("A"))
}

func TestRead_RetriesTransientErrors(t *testing.T) {
	cfg := testConfig()
	cfg.ReadRetries = 2
	h := newHarness(t, cfg)
	h.erp.plannedStart["A"] = 2024
	h.erp.infoFailures = 2

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, _ := inJob(job)
	require.NoError(t, h.o.handleProject(ctx, job, ProjectPayload{ProjectID: "A"}))
	assert.Equal(t, 1, h.erp.calls("A"))
}

func TestRead_DoesNotRetryClientErrors(t *testing.T) {
	cfg := testConfig()
	cfg.ReadRetries = 3
	h := newHarness(t, cfg)

	job := &core.Job{ID: "child-1", Queue: ProjectQueue}
	ctx, _ := inJob(job)
	err := h.o.handleProject(ctx, job, ProjectPayload{ProjectID: "unknown"})

	var se *erp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestHandleTrigger_CompanyFailureSkipsOnlyThatCompany(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Companies = []string{"1111", "2222", "3333", "4444"}
	h := newHarness(t, cfg)
	h.erp.companies["1111"] = []string{"A", "B", "C"}
	h.erp.companies["3333"] = []string{"D", "E"}
	h.erp.companyErr["2222"] = errors.New("timeout")
	h.erp.companyErr["4444"] = errors.New("ledger closed")

	job := &core.Job{ID: "trigger-1", Queue: TriggerQueue}
	jctx, _ := inJob(job)
	err := h.o.handleTrigger(jctx, job, TriggerPayload{Reason: "manual"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "company 2222")
	assert.Contains(t, err.Error(), "company 4444")
	assert.NotContains(t, err.Error(), "company 3333")

	pending, err := h.store.ListPending(ctx, ProjectQueue)
	require.NoError(t, err)
	require.Len(t, pending, 5)

	companies := map[string]int{}
	for _, id := range pending {
		child, err := h.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ProjectQueue, child.Queue)
		var p ProjectPayload
		require.NoError(t, json.Unmarshal(child.Payload, &p))
		assert.Equal(t, "trigger-1", p.ParentJob)
		companies[p.CompanyCode]++
	}
	assert.Equal(t, map[string]int{"1111": 3, "3333": 2}, companies)
}

// ──────────────────────────────────────────────────────────────────────────────
// Operator controls
// ──────────────────────────────────────────────────────────────────────────────

func TestTriggerSyncNow_OnePendingManualTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	id, err := h.o.TriggerSyncNow(ctx, "u-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = h.o.TriggerSyncNow(ctx, "u-2")
	assert.ErrorIs(t, err, ErrSyncPending)
	assert.ErrorIs(t, err, core.ErrDuplicateJob)

	job, err := h.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u-1", job.CreatedBy)
}

func TestRunSync_RetriesFailedTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.erp.companies["1111"] = []string{"A"}
	h.erp.plannedStart["A"] = 2020
	h.erp.companyErr["1111"] = errors.New("timeout")

	h.q.OnJobFail(func(_ context.Context, job *core.Job, _ error) {
		if job.Queue != TriggerQueue {
			return
		}
		h.erp.mu.Lock()
		delete(h.erp.companyErr, "1111")
		h.erp.mu.Unlock()
	})
	startWorker(t, h.q)

	policy := queue.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, PollInterval: 5 * time.Millisecond}
	id, err := h.o.RunSync(ctx, "u-7", policy)
	require.NoError(t, err)

	runs, err := h.o.GetSyncSummary(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id, runs[0].TriggerJobID)
	assert.Equal(t, core.StateCompleted, runs[0].TriggerState)
	assert.Equal(t, core.StateFailed, runs[1].TriggerState)
}

func TestRunSync_GivesUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.erp.companyErr["1111"] = errors.New("timeout")
	startWorker(t, h.q)

	policy := queue.RetryPolicy{MaxRetries: 0, PollInterval: 5 * time.Millisecond}
	id, err := h.o.RunSync(ctx, "u-7", policy)
	require.Error(t, err)
	require.NotEmpty(t, id)

	st, err := h.q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, st.State)
	assert.Contains(t, st.LastError, "company 1111")
}

func TestCancelPendingSync_LeavesActiveChildren(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	entries := make([]queue.Entry, 12)
	for i := range entries {
		entries[i] = queue.Entry{Queue: ProjectQueue, Payload: ProjectPayload{ProjectID: itoa(i)}, Options: []queue.Option{queue.Parent("t")}}
	}
	_, err := h.q.Insert(ctx, entries)
	require.NoError(t, err)

	active, err := h.store.ClaimNext(ctx, ProjectQueue, 2)
	require.NoError(t, err)
	require.Len(t, active, 2)

	n, err := h.o.CancelPendingSync(ctx, "operator")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	cancelled, err := h.store.ListByState(ctx, ProjectQueue, core.StateCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 10)

	stillActive, err := h.store.ListByState(ctx, ProjectQueue, core.StateActive)
	require.NoError(t, err)
	assert.Len(t, stillActive, 2)
}

func TestSyncSchedule_EnableDisable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	st, err := h.o.ScheduleStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	changed, err := h.o.EnableSyncSchedule(ctx, "u-1", "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.o.EnableSyncSchedule(ctx, "u-1", "0 3 * * *")
	require.NoError(t, err)
	assert.False(t, changed, "same cron is a no-op")

	st, err = h.o.ScheduleStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "0 3 * * *", st.Cron)
	require.NotNil(t, st.NextFireAt)
	assert.True(t, st.NextFireAt.After(time.Now().Add(-time.Minute)))

	_, err = h.o.EnableSyncSchedule(ctx, "u-1", "61 * * * *")
	assert.ErrorIs(t, err, core.ErrInvalidCron)

	require.NoError(t, h.o.DisableSyncSchedule(ctx, "u-1"))
	require.NoError(t, h.o.DisableSyncSchedule(ctx, "u-1"))

	st, err = h.o.ScheduleStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
}

func TestGetSyncSummary_DefaultLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	for range 12 {
		_, err := h.q.Send(ctx, TriggerQueue, TriggerPayload{Reason: "schedule"})
		require.NoError(t, err)
	}
	summary, err := h.o.GetSyncSummary(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, summary, DefaultSummaryLimit)
}
