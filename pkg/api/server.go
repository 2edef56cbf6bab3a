// Package api serves the operator controls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/projectsync/pkg/core"
	"github.com/jdziat/projectsync/pkg/projectcache"
	"github.com/jdziat/projectsync/pkg/report"
	"github.com/jdziat/projectsync/pkg/sapsync"
	"github.com/jdziat/projectsync/pkg/security"
	"github.com/jdziat/projectsync/pkg/telemetry"
)

// UserHeader carries the caller's user id. Requests without it act as
// AnonymousUser.
const (
	UserHeader    = "X-User-ID"
	AnonymousUser = "anonymous"
)

// Service is the operator surface served by the API.
type Service interface {
	TriggerSyncNow(ctx context.Context, userID string) (string, error)
	CancelPendingSync(ctx context.Context, userID string) (int64, error)
	EnableSyncSchedule(ctx context.Context, userID, cronExpr string) (bool, error)
	DisableSyncSchedule(ctx context.Context, userID string) error
	SyncScheduleStatus(ctx context.Context) (sapsync.ScheduleStatus, error)
	GetSyncSummary(ctx context.Context, limit int) ([]core.RunSummary, error)
	LastFullySyncedAt(ctx context.Context) (*time.Time, error)
	GetJobStatus(ctx context.Context, jobID string) (core.Status, error)
	StartReportJob(ctx context.Context, userID string, params report.ActualsParams) (string, error)
	DownloadReport(ctx context.Context, jobID string) (*report.Download, error)
	ProjectSnapshot(ctx context.Context, projectID string) (*projectcache.Snapshot, error)
	ProjectSnapshots(ctx context.Context, projectID string) ([]projectcache.Snapshot, error)
}

// Server wires HTTP handlers for the operator controls.
type Server struct {
	svc    Service
	logger *slog.Logger
}

// New constructs the API server.
func New(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireValidUser)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Post("/trigger", s.handleTrigger)
		r.Post("/cancel", s.handleCancel)
		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handleEnableSchedule)
		r.Delete("/schedule", s.handleDisableSchedule)
		r.Get("/summary", s.handleSummary)
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/reports/actuals", s.handleStartReport)
	r.Get("/reports/{id}", s.handleDownload)
	r.Route("/projects/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetProject)
		r.Get("/snapshots", s.handleProjectSnapshots)
	})
	return r
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.TriggerSyncNow(r.Context(), userFromRequest(r))
	if errors.Is(err, sapsync.ErrSyncPending) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.fail(w, r, "trigger sync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.CancelPendingSync(r.Context(), userFromRequest(r))
	if err != nil {
		s.fail(w, r, "cancel sync", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

type scheduleRequest struct {
	Cron string `json:"cron"`
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	changed, err := s.svc.EnableSyncSchedule(r.Context(), userFromRequest(r), req.Cron)
	if errors.Is(err, core.ErrInvalidCron) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, r, "enable schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DisableSyncSchedule(r.Context(), userFromRequest(r)); err != nil {
		s.fail(w, r, "disable schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.SyncScheduleStatus(r.Context())
	if err != nil {
		s.fail(w, r, "schedule status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type summaryResponse struct {
	Runs              []core.RunSummary `json:"runs"`
	LastFullySyncedAt *time.Time        `json:"last_fully_synced_at,omitempty"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.svc.GetSyncSummary(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "sync summary", err)
		return
	}
	last, err := s.svc.LastFullySyncedAt(r.Context())
	if err != nil {
		s.fail(w, r, "sync summary", err)
		return
	}
	if runs == nil {
		runs = []core.RunSummary{}
	}
	writeJSON(w, http.StatusOK, summaryResponse{Runs: runs, LastFullySyncedAt: last})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrJobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartReport(w http.ResponseWriter, r *http.Request) {
	var params report.ActualsParams
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if params.FromYear > 0 && params.ToYear > 0 && params.FromYear > params.ToYear {
		http.Error(w, "from_year after to_year", http.StatusBadRequest)
		return
	}
	id, err := s.svc.StartReportJob(r.Context(), userFromRequest(r), params)
	if err != nil {
		s.fail(w, r, "start report", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.DownloadReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, report.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, "download report", err)
		return
	}

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Data)
}

// snapshotView is the wire form of a cached project record.
type snapshotView struct {
	ProjectID     string          `json:"project_id"`
	ContentHash   string          `json:"content_hash"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
	Payload       json.RawMessage `json:"payload"`
}

func viewOf(snap *projectcache.Snapshot) snapshotView {
	return snapshotView{
		ProjectID:     snap.ProjectID,
		ContentHash:   snap.ContentHash,
		FirstSeenAt:   snap.FirstSeenAt,
		LastCheckedAt: snap.LastCheckedAt,
		Payload:       json.RawMessage(snap.Payload),
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.ProjectSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "project snapshot", err)
		return
	}
	if snap == nil {
		http.Error(w, "project not synced", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *Server) handleProjectSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.ProjectSnapshots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "project snapshots", err)
		return
	}
	if len(snaps) == 0 {
		http.Error(w, "project not synced", http.StatusNotFound)
		return
	}
	views := make([]snapshotView, len(snaps))
	for i := range snaps {
		views[i] = viewOf(&snaps[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": views})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.logger.Error(action+" failed", "path", r.URL.Path, "user_id", userFromRequest(r), "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// requireValidUser rejects a user header the job store would refuse.
func requireValidUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := security.ValidateUserID(r.Header.Get(UserHeader)); err != nil {
			http.Error(w, "invalid "+UserHeader, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get(UserHeader); v != "" {
		return v
	}
	return AnonymousUser
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
