// Package server exposes the admin HTTP surface of the watcher.
//
// Routes:
//
//	GET  /health                  → liveness
//	GET  /status?next=N           → scheduler summary and next N fires
//	GET  /runs?limit=N            → most recent job runs
//	POST /searches/{id}/run       → start a manual run (202, 404, 409)
//	POST /searches/{id}/sync      → reschedule from the stored search
//	POST /searches/{id}/pause     → stop future fires
//	POST /searches/{id}/resume    → re-enable fires
//	POST /settings/reload         → reload the settings snapshot
//	GET  /metrics                 → Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/scheduler"
	"marketwatch/watcher-service/internal/settings"
)

const (
	defaultNext  = 10
	defaultLimit = 20
	maxLimit     = 200
)

// Scheduler is the subset of *scheduler.Scheduler the handlers drive.
type Scheduler interface {
	Status(n int) scheduler.Status
	RunNow(ctx context.Context, id int64) error
	SyncSearch(ctx context.Context, id int64) error
	PauseSearchJob(id int64) error
	ResumeSearchJob(id int64) error
}

// RunLister reads the job-run audit log.
type RunLister interface {
	RecentJobRuns(ctx context.Context, limit int) ([]model.JobRun, error)
}

// SettingsReloader swaps in a fresh settings snapshot.
type SettingsReloader interface {
	Reload(ctx context.Context) (settings.Snapshot, error)
}

// Deps are the handler collaborators. Metrics may be nil.
type Deps struct {
	Scheduler     Scheduler
	Runs          RunLister
	Settings      SettingsReloader
	Metrics       http.Handler
	Version       string
	StatusPreview int
}

// Handler holds shared dependencies.
type Handler struct {
	deps Deps
	log  *zap.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(deps Deps, log *zap.Logger) *Handler {
	if deps.StatusPreview <= 0 {
		deps.StatusPreview = defaultNext
	}
	return &Handler{deps: deps, log: log.Named("http")}
}

// Router mounts every route on a chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/runs", h.runs)
	r.Route("/searches/{id}", func(r chi.Router) {
		r.Post("/run", h.runNow)
		r.Post("/sync", h.sync)
		r.Post("/pause", h.pause)
		r.Post("/resume", h.resume)
	})
	r.Post("/settings/reload", h.reloadSettings)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}
	return r
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "watcher-service",
		"version": h.deps.Version,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "next", h.deps.StatusPreview)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonOK(w, http.StatusOK, h.deps.Scheduler.Status(n))
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit = min(limit, maxLimit)

	runs, err := h.deps.Runs.RecentJobRuns(r.Context(), limit)
	if err != nil {
		h.log.Error("list job runs failed", zap.Error(err))
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	type runView struct {
		model.JobRun
		Job  string        `json:"job"`
		Kind model.JobKind `json:"kind"`
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{JobRun: run, Job: run.Key.String(), Kind: run.Key.Kind})
	}
	jsonOK(w, http.StatusOK, out)
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request) {
	id, ok := searchID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.RunNow(r.Context(), id); err != nil {
		h.schedulerError(w, err)
		return
	}
	jsonOK(w, http.StatusAccepted, map[string]any{"searchId": id, "status": "started"})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	id, ok := searchID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.SyncSearch(r.Context(), id); err != nil {
		h.schedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	id, ok := searchID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.PauseSearchJob(id); err != nil {
		h.schedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	id, ok := searchID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.ResumeSearchJob(id); err != nil {
		h.schedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Settings.Reload(r.Context())
	var verr *settings.ValidationError
	switch {
	case errors.As(err, &verr):
		jsonError(w, verr.Msg, http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.log.Error("settings reload failed", zap.Error(err))
		jsonError(w, "settings reload failed", http.StatusInternalServerError)
		return
	}
	jsonOK(w, http.StatusOK, map[string]any{
		"loadedAt":       snap.LoadedAt,
		"identities":     len(snap.Scraper.Identities),
		"proxies":        len(snap.Scraper.ActiveProxies()),
		"maxItemsPerRun": snap.Scraper.MaxItemsPerRun,
		"alertEnabled":   snap.Alert.Enabled,
		"alertThreshold": snap.Alert.Threshold,
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) schedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrInvalidTransition):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("scheduler operation failed", zap.Error(err))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func searchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "invalid search id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}

func jsonOK(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
