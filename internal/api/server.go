// Package api is the thin HTTP surface over the task core: submission, reads,
// cancellation, target states and the project event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/targetstate"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// DLQReader exposes the dead-letter list for operators.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Deps are the services the routes call. Subscriber, DLQ and Gatherer may be nil;
// the matching routes then answer 503.
type Deps struct {
	Submitter  *task.Submitter
	Tasks      *task.Service
	Events     *events.Publisher
	Subscriber *events.Subscriber
	Targets    *targetstate.Service
	DLQ        DLQReader
	Gatherer   prometheus.Gatherer
}

// Server wires HTTP handlers for the task API.
type Server struct {
	cfg      config.Config
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/alerts", s.handleAlerts)

	r.Group(func(r chi.Router) {
		r.Use(s.identify)

		r.Post("/tasks", s.handleSubmit)
		r.Post("/tasks/dismiss", s.handleDismiss)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Post("/target-states", s.handleTargetStates)
		r.Get("/projects/{projectID}/events", s.handleProjectStream)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type submitResponse struct {
	Task    models.Task `json:"task"`
	Deduped bool        `json:"deduped"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in task.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, task.NewError(task.CodeInvalidParams, "invalid json", task.ErrInvalidParams))
		return
	}
	in.UserID = userID(r)

	res, err := s.deps.Submitter.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Targets.TrackSubmitted(res.Task)

	status := http.StatusAccepted
	if res.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Task: res.Task, Deduped: res.Deduped})
}

// ownedTask loads a task and hides it from everyone but its owner.
func (s *Server) ownedTask(r *http.Request, id string) (models.Task, error) {
	t, err := s.deps.Tasks.GetTask(r.Context(), id)
	if err != nil {
		return models.Task{}, err
	}
	if t.UserID != userID(r) {
		return models.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.deps.Tasks.CancelTask(r.Context(), id, userID(r))
	if errors.Is(err, task.ErrForbidden) {
		err = task.ErrNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.deps.Tasks.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cancelled {
		s.deps.Targets.Forget(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "task": t})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedTask(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := s.cfg.EventReplayLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, task.NewError(task.CodeInvalidParams, "limit must be an integer", task.ErrInvalidParams))
			return
		}
		limit = n
	}
	evs, err := s.deps.Events.ListTaskLifecycleEvents(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []models.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type dismissRequest struct {
	TaskIDs []string `json:"taskIds" validate:"required,min=1,max=200,dive,required"`
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.deps.Tasks.DismissFailed(r.Context(), userID(r), req.TaskIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"dismissed": n})
}

type targetStatesRequest struct {
	ProjectID string              `json:"projectId" validate:"required"`
	Targets   []targetstate.Query `json:"targets" validate:"required,min=1,max=500"`
}

func (s *Server) handleTargetStates(w http.ResponseWriter, r *http.Request) {
	var req targetStatesRequest
	if !s.decode(w, r, &req) {
		return
	}
	for _, q := range req.Targets {
		if q.Type == "" || q.ID == "" {
			s.writeError(w, r, task.NewError(task.CodeInvalidParams, "every target needs targetType and targetId", task.ErrInvalidParams))
			return
		}
	}
	states, err := s.deps.Targets.GetTargetStates(r.Context(), req.ProjectID, userID(r), req.Targets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gatherer == nil {
		s.unavailable(w, r, "alerts")
		return
	}
	snap, err := telemetry.SnapshotFromGatherer(s.deps.Gatherer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, telemetry.EvaluateAlerts(snap, telemetry.ThresholdsFromConfig(s.cfg.AlertThresholds)))
}

// handleDLQ returns the newest dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DLQ == nil {
		s.unavailable(w, r, "dlq")
		return
	}
	items, err := s.deps.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// decode reads a JSON body into dst and validates it, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, task.NewError(task.CodeInvalidParams, "invalid json", task.ErrInvalidParams))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, task.NewError(task.CodeInvalidParams, err.Error(), task.ErrInvalidParams))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
