package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/projectcache"
	"github.com/jdziat/projectsync/pkg/report"
	"github.com/jdziat/projectsync/pkg/sapsync"
)

type stubService struct {
	users      []string
	triggerErr error
	cron       string
	limit      int
	params     report.ActualsParams
	download   *report.Download
	snapshots  map[string][]projectcache.Snapshot
}

func (s *stubService) TriggerSyncNow(_ context.Context, userID string) (string, error) {
	s.users = append(s.users, userID)
	if s.triggerErr != nil {
		return "", s.triggerErr
	}
	return "trigger-1", nil
}

func (s *stubService) CancelPendingSync(_ context.Context, userID string) (int64, error) {
	s.users = append(s.users, userID)
	return 10, nil
}

func (s *stubService) EnableSyncSchedule(_ context.Context, userID, cronExpr string) (bool, error) {
	s.users = append(s.users, userID)
	if cronExpr == "bad" {
		return false, core.ErrInvalidCron
	}
	s.cron = cronExpr
	return true, nil
}

func (s *stubService) DisableSyncSchedule(_ context.Context, userID string) error {
	s.users = append(s.users, userID)
	return nil
}

func (s *stubService) SyncScheduleStatus(context.Context) (sapsync.ScheduleStatus, error) {
	return sapsync.ScheduleStatus{Enabled: true, Cron: "0 3 * * *"}, nil
}

func (s *stubService) GetSyncSummary(_ context.Context, limit int) ([]core.RunSummary, error) {
	s.limit = limit
	return []core.RunSummary{{TriggerJobID: "trigger-1", TriggerState: core.StateCompleted, TotalChildren: 3,
		CountsByState: map[core.JobState]int64{core.StateCompleted: 3}}}, nil
}

func (s *stubService) LastFullySyncedAt(context.Context) (*time.Time, error) {
	t := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &t, nil
}

func (s *stubService) GetJobStatus(_ context.Context, jobID string) (core.Status, error) {
	if jobID != "job-1" {
		return core.Status{}, core.ErrJobNotFound
	}
	return core.Status{JobID: jobID, State: core.StateActive}, nil
}

func (s *stubService) StartReportJob(_ context.Context, userID string, params report.ActualsParams) (string, error) {
	s.users = append(s.users, userID)
	s.params = params
	return "report-1", nil
}

func (s *stubService) DownloadReport(_ context.Context, jobID string) (*report.Download, error) {
	if s.download == nil || jobID != "report-1" {
		return nil, report.ErrNotFound
	}
	return s.download, nil
}

func (s *stubService) ProjectSnapshot(_ context.Context, projectID string) (*projectcache.Snapshot, error) {
	if snaps := s.snapshots[projectID]; len(snaps) > 0 {
		return &snaps[0], nil
	}
	return nil, nil
}

func (s *stubService) ProjectSnapshots(_ context.Context, projectID string) ([]projectcache.Snapshot, error) {
	return s.snapshots[projectID], nil
}

func do(t *testing.T, svc Service, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	New(svc, nil).Router().ServeHTTP(rec, req)
	return rec
}

// ──────────────────────────────────────────────────────────────────────────────
// Sync
// ──────────────────────────────────────────────────────────────────────────────

func TestTrigger(t *testing.T) {
	svc := &stubService{}
	rec := do(t, svc, http.MethodPost, "/sync/trigger", "", UserHeader, "u-42")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"trigger-1"}`, rec.Body.String())
	assert.Equal(t, []string{"u-42"}, svc.users)
}

func TestTrigger_PendingIsConflict(t *testing.T) {
	svc := &stubService{triggerErr: sapsync.ErrSyncPending}
	rec := do(t, svc, http.MethodPost, "/sync/trigger", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{AnonymousUser}, svc.users)
}

func TestTrigger_InternalError(t *testing.T) {
	svc := &stubService{triggerErr: errors.New("db down")}
	rec := do(t, svc, http.MethodPost, "/sync/trigger", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestTrigger_RejectsOversizedUser(t *testing.T) {
	svc := &stubService{}
	rec := do(t, svc, http.MethodPost, "/sync/trigger", "", UserHeader, strings.Repeat("u", 200))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.users)
}

func TestCancel(t *testing.T) {
	rec := do(t, &stubService{}, http.MethodPost, "/sync/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":10}`, rec.Body.String())
}

func TestSchedule(t *testing.T) {
	svc := &stubService{}

	rec := do(t, svc, http.MethodPut, "/sync/schedule", `{"cron":"15 1 * * *"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":true}`, rec.Body.String())
	assert.Equal(t, "15 1 * * *", svc.cron)

	rec = do(t, svc, http.MethodPut, "/sync/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.cron)

	rec = do(t, svc, http.MethodPut, "/sync/schedule", `{"cron":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, svc, http.MethodPut, "/sync/schedule", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, svc, http.MethodGet, "/sync/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":true,"cron":"0 3 * * *"}`, rec.Body.String())

	rec = do(t, svc, http.MethodDelete, "/sync/schedule", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSummary(t *testing.T) {
	svc := &stubService{}
	rec := do(t, svc, http.MethodGet, "/sync/summary?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, svc.limit)

	var body struct {
		Runs              []core.RunSummary `json:"runs"`
		LastFullySyncedAt *time.Time        `json:"last_fully_synced_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, int64(3), body.Runs[0].TotalChildren)
	require.NotNil(t, body.LastFullySyncedAt)

	rec = do(t, svc, http.MethodGet, "/sync/summary?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs and reports
// ──────────────────────────────────────────────────────────────────────────────

func TestGetJob(t *testing.T) {
	rec := do(t, &stubService{}, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st core.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, core.StateActive, st.State)

	rec = do(t, &stubService{}, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartReport(t *testing.T) {
	svc := &stubService{}
	rec := do(t, svc, http.MethodPost, "/reports/actuals", `{"project_ids":["A"],"from_year":2020,"to_year":2023}`, UserHeader, "u-1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"report-1"}`, rec.Body.String())
	assert.Equal(t, report.ActualsParams{ProjectIDs: []string{"A"}, FromYear: 2020, ToYear: 2023}, svc.params)

	rec = do(t, svc, http.MethodPost, "/reports/actuals", `{"from_year":2024,"to_year":2020}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload(t *testing.T) {
	svc := &stubService{download: &report.Download{Filename: "actuals.csv", ContentType: "text/csv", Data: []byte("a,b\n")}}

	rec := do(t, svc, http.MethodGet, "/reports/report-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=actuals.csv`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n", rec.Body.String())

	rec = do(t, svc, http.MethodGet, "/reports/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Projects
// ──────────────────────────────────────────────────────────────────────────────

func TestProjectSnapshots(t *testing.T) {
	seen := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	svc := &stubService{snapshots: map[string][]projectcache.Snapshot{
		"A": {
			{ProjectID: "A", ContentHash: "h2", Payload: []byte(`{"name":"Bridge v2"}`), FirstSeenAt: seen, LastCheckedAt: seen.Add(time.Hour)},
			{ProjectID: "A", ContentHash: "h1", Payload: []byte(`{"name":"Bridge"}`), FirstSeenAt: seen, LastCheckedAt: seen},
		},
	}}

	rec := do(t, svc, http.MethodGet, "/projects/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var latest struct {
		ContentHash string          `json:"content_hash"`
		Payload     json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "h2", latest.ContentHash)
	assert.JSONEq(t, `{"name":"Bridge v2"}`, string(latest.Payload))

	rec = do(t, svc, http.MethodGet, "/projects/A/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Snapshots []struct {
			ContentHash string `json:"content_hash"`
		} `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Snapshots, 2)
	assert.Equal(t, "h2", history.Snapshots[0].ContentHash)
	assert.Equal(t, "h1", history.Snapshots[1].ContentHash)
}

func TestProjectSnapshots_UnknownProject(t *testing.T) {
	svc := &stubService{}
	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodGet, "/projects/Z", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, svc, http.MethodGet, "/projects/Z/snapshots", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	rec := do(t, &stubService{}, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, &stubService{}, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
