// Package api serves run status, the run ledger, run triggering and reviewer
// adjustments over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/history"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/pipeline"
	"github.com/sells-group/referent-cli/internal/review"
	"github.com/sells-group/referent-cli/internal/store"
)

// LockInspector reports the run lock state.
type LockInspector interface {
	Inspect() (lock.Status, error)
}

// HistoryStatus reports the history directory state.
type HistoryStatus interface {
	Status() (history.Status, error)
}

// ModelVersions reports the current model version.
type ModelVersions interface {
	CurrentVersion() (int, error)
}

// Runner starts pipeline runs.
type Runner interface {
	Start(ctx context.Context, table *model.RawTable) *pipeline.Handle
}

// Reviewer applies reviewer adjustments.
type Reviewer interface {
	Apply(ctx context.Context, adjs []review.Adjustment) (*review.Result, error)
}

// Deps are the collaborators behind the handlers. Nil collaborators disable
// their endpoints with 503.
type Deps struct {
	Runs     store.Store
	Lock     LockInspector
	History  HistoryStatus
	Models   ModelVersions
	Runner   Runner
	Reviewer Reviewer
	Registry *prometheus.Registry
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	// runCtx outlives the request that triggered a run.
	runCtx context.Context
}

// NewServer creates a Server. Runs triggered over HTTP inherit values from
// runCtx but are never cancelled by it.
func NewServer(runCtx context.Context, deps Deps) *Server {
	return &Server{deps: deps, runCtx: runCtx}
}

// Router builds the route table.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleTriggerRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/review", s.handleReview)
	})
	return r
}

// StatusResponse is the payload of GET /api/status.
type StatusResponse struct {
	Lock         *lock.Status    `json:"lock,omitempty"`
	History      *history.Status `json:"history,omitempty"`
	ModelVersion int             `json:"model_version"`
	Problems     []string        `json:"problems,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var resp StatusResponse
	if s.deps.Lock != nil {
		if st, err := s.deps.Lock.Inspect(); err != nil {
			resp.Problems = append(resp.Problems, "lock: "+err.Error())
		} else {
			resp.Lock = &st
		}
	}
	if s.deps.History != nil {
		if st, err := s.deps.History.Status(); err != nil {
			resp.Problems = append(resp.Problems, "history: "+err.Error())
		} else {
			resp.History = &st
		}
	}
	if s.deps.Models != nil {
		if v, err := s.deps.Models.CurrentVersion(); err != nil {
			resp.Problems = append(resp.Problems, "model: "+err.Error())
		} else {
			resp.ModelVersion = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(strings.TrimSpace(q.Get("status"))),
		Holder: strings.TrimSpace(q.Get("holder")),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// RunDetail is the payload of GET /api/runs/{id}.
type RunDetail struct {
	Run       *model.Run       `json:"run"`
	Stages    []model.RunStage `json:"stages"`
	Decisions []model.Decision `json:"decisions"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stages, err := s.deps.Runs.ListStages(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	decisions, err := s.deps.Runs.ListDecisions(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Stages: stages, Decisions: decisions})
}

// handleTriggerRun starts a run from the configured extractor. It waits for
// the lock decision only; the rest of the run proceeds in the background.
func (s *Server) handleTriggerRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	h := s.deps.Runner.Start(s.runCtx, nil)
	first, ok := lockOutcome(h.Events())
	if !ok {
		writeError(w, http.StatusInternalServerError, "run ended before locking")
		return
	}
	if first.Status == model.StageStatusFailed {
		status := http.StatusInternalServerError
		if errors.Is(first.Err, failure.ErrLockHeld) {
			status = http.StatusConflict
		}
		writeError(w, status, first.Err.Error())
		return
	}

	go func() {
		res, err := h.Wait()
		if err != nil {
			zap.L().Error("api: triggered run failed", zap.Error(err))
			return
		}
		zap.L().Info("api: triggered run complete",
			zap.String("run_id", res.RunID),
			zap.Int("new", res.Summary.New),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reviewer == nil {
		writeError(w, http.StatusServiceUnavailable, "review not configured")
		return
	}
	var req struct {
		Adjustments []review.Adjustment `json:"adjustments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Adjustments) == 0 {
		writeError(w, http.StatusBadRequest, "adjustments are required")
		return
	}

	res, err := s.deps.Reviewer.Apply(r.Context(), req.Adjustments)
	switch {
	case errors.Is(err, failure.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, failure.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, failure.ErrStoreBusy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// lockOutcome reads events until the Locked stage ends. ok is false when the
// run ended before that.
func lockOutcome(events <-chan pipeline.Event) (pipeline.Event, bool) {
	for ev := range events {
		if ev.Stage != pipeline.StageLocked {
			return ev, false
		}
		if ev.Status != model.StageStatusRunning {
			return ev, true
		}
	}
	return pipeline.Event{}, false
}
