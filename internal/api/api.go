// Package api serves the vault over HTTP so humans can resolve approvals and inspect
// the tasks and the retry queue without a shell on the host.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// ApprovalService is the approval gate used by the API.
type ApprovalService interface {
	Get(ctx context.Context, id string) (*model.ApprovalRequest, error)
	List(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error)
	Resolve(ctx context.Context, id string, decision model.Decision, approver string) (*model.ApprovalRequest, error)
}

// TaskLister lists the tasks of a stage.
type TaskLister interface {
	List(ctx context.Context, stage model.Stage) ([]model.Task, error)
}

// QueueLister lists the queued and quarantined actions.
type QueueLister interface {
	List(ctx context.Context) ([]model.QueuedAction, error)
	ListQuarantined(ctx context.Context) ([]model.QueuedAction, error)
}

// Requeuer moves a quarantined action back to the queue.
type Requeuer interface {
	Requeue(ctx context.Context, id string) (*model.QueuedAction, error)
}

// HandlerConfig is the configuration of the API handler.
type HandlerConfig struct {
	Approvals ApprovalService
	Tasks     TaskLister
	Queue     QueueLister
	Requeuer  Requeuer
	Logger    log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Approvals == nil {
		return fmt.Errorf("approvals is required")
	}
	if c.Tasks == nil {
		return fmt.Errorf("tasks is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if c.Requeuer == nil {
		return fmt.Errorf("requeuer is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api.Handler"})
	return nil
}

type handler struct {
	approvals ApprovalService
	tasks     TaskLister
	queue     QueueLister
	requeuer  Requeuer
	logger    log.Logger
}

// NewHandler returns the HTTP handler of the API.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		approvals: cfg.Approvals,
		tasks:     cfg.Tasks,
		queue:     cfg.Queue,
		requeuer:  cfg.Requeuer,
		logger:    cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/approvals", h.listApprovals)
	r.Get("/approvals/{id}", h.getApproval)
	r.Post("/approvals/{id}/approve", h.resolveApproval(model.DecisionApprove))
	r.Post("/approvals/{id}/reject", h.resolveApproval(model.DecisionReject))
	r.Get("/tasks", h.listTasks)
	r.Get("/queue", h.listQueue)
	r.Get("/quarantine", h.listQuarantine)
	r.Post("/quarantine/{id}/requeue", h.requeue)

	return r, nil
}

type approvalJSON struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	Approver   string     `json:"approver,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func mapApproval(a model.ApprovalRequest) approvalJSON {
	return approvalJSON{
		ID:         a.ID,
		Task:       a.Task,
		Action:     a.Action,
		Status:     string(a.Status),
		Approver:   a.Approver,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
}

type taskJSON struct {
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type resolveRequest struct {
	Approver string `json:"approver"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func (h handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.ApprovalStatusPending, model.ApprovalStatusApproved, model.ApprovalStatusRejected:
	default:
		h.writeError(w, fmt.Errorf("unknown status %q: %w", status, model.ErrNotValid))
		return
	}

	approvals, err := h.approvals.List(r.Context(), status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]approvalJSON, 0, len(approvals))
	for _, a := range approvals {
		resp = append(resp, mapApproval(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h handler) getApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mapApproval(*a))
}

func (h handler) resolveApproval(decision model.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, fmt.Errorf("invalid body: %w", model.ErrNotValid))
			return
		}

		a, err := h.approvals.Resolve(r.Context(), chi.URLParam(r, "id"), decision, req.Approver)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, mapApproval(*a))
	}
}

func (h handler) listTasks(w http.ResponseWriter, r *http.Request) {
	stages := model.Stages
	if s := r.URL.Query().Get("stage"); s != "" {
		stage := model.Stage(s)
		if err := stage.Validate(); err != nil {
			h.writeError(w, err)
			return
		}
		stages = []model.Stage{stage}
	}

	resp := []taskJSON{}
	for _, stage := range stages {
		tasks, err := h.tasks.List(r.Context(), stage)
		if err != nil {
			h.writeError(w, err)
			return
		}
		for _, t := range tasks {
			resp = append(resp, taskJSON{Name: t.Name, Stage: string(t.Stage), SizeBytes: t.Size, CreatedAt: t.CreatedAt})
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h handler) listQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := h.queue.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(queued))
}

func (h handler) listQuarantine(w http.ResponseWriter, r *http.Request) {
	quarantined, err := h.queue.ListQuarantined(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(quarantined))
}

func (h handler) requeue(w http.ResponseWriter, r *http.Request) {
	a, err := h.requeuer.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotValid):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyResolved), errors.Is(err, model.ErrStateConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Errorf("API request failed: %s", err)
	}
	h.writeJSON(w, status, errorJSON{Error: err.Error()})
}

func (h handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warningf("Could not write API response: %s", err)
	}
}

func nonNil(as []model.QueuedAction) []model.QueuedAction {
	if as == nil {
		return []model.QueuedAction{}
	}
	return as
}
