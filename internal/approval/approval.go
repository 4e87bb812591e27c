// Package approval implements the human approval gate sensitive actions go through
// before being executed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/notify"
	"github.com/slok/agentvault/internal/storage"
)

// TaskAdvancer moves tasks between stages.
type TaskAdvancer interface {
	Advance(ctx context.Context, name string, from, to model.Stage) error
}

// ServiceConfig is the configuration of the approval gate.
type ServiceConfig struct {
	Repository storage.ApprovalRepository
	Tasks      TaskAdvancer
	Recorder   audit.Recorder
	// Notifier is told about every new pending request.
	Notifier notify.Notifier
	Clock    func() time.Time
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Tasks == nil {
		return fmt.Errorf("task advancer is required")
	}
	if c.Recorder == nil {
		c.Recorder = audit.NoopRecorder
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.Service"})
	return nil
}

// Service is the approval gate.
type Service struct {
	repo     storage.ApprovalRepository
	tasks    TaskAdvancer
	recorder audit.Recorder
	notifier notify.Notifier
	clock    func() time.Time
	logger   log.Logger
}

// NewService returns a new approval gate.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:     cfg.Repository,
		tasks:    cfg.Tasks,
		recorder: cfg.Recorder,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// RequestApproval stores a pending approval request for the action of a planned task and
// moves the task to pending approval. If the task can't be moved the request is rejected
// by the system so it doesn't stay pending forever.
func (s *Service) RequestApproval(ctx context.Context, task, action string) (_ *model.ApprovalRequest, err error) {
	if task == "" || action == "" {
		return nil, fmt.Errorf("task and action are required: %w", model.ErrNotValid)
	}

	now := s.clock().UTC()
	req := model.ApprovalRequest{
		ID:        NewID(task, now),
		Task:      task,
		Action:    action,
		Status:    model.ApprovalStatusPending,
		CreatedAt: now,
	}

	defer func() {
		rec := model.AuditRecord{
			ActionType:     model.AuditActionApprovalRequest,
			Actor:          model.ActorAgent,
			Target:         task,
			Parameters:     map[string]string{"id": req.ID, "action": action},
			ApprovalStatus: string(req.Status),
			Result:         model.AuditResultPending,
		}
		if err != nil {
			rec.Result = model.AuditResultFailed
			rec.Error = err.Error()
		}
		s.record(ctx, rec)
	}()

	if err := s.repo.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("could not store approval request: %w", err)
	}

	if err := s.tasks.Advance(ctx, task, model.StagePlanned, model.StagePendingApproval); err != nil {
		resolved, rerr := s.repo.ResolveApproval(ctx, req.ID, model.ApprovalStatusRejected, model.ActorSystem, s.clock().UTC())
		if rerr != nil {
			s.logger.Errorf("Could not reject orphan approval request %s: %s", req.ID, rerr)
		} else {
			req = *resolved
		}
		return nil, fmt.Errorf("could not move task to pending approval: %w", err)
	}

	msg := fmt.Sprintf("Approval required for %q on task %q (approval id: %s)", action, task, req.ID)
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warningf("Could not notify approval request %s: %s", req.ID, err)
	}

	s.logger.Infof("Approval requested: %s (task: %s, action: %s)", req.ID, task, action)
	return &req, nil
}

// Resolve applies a human decision to a pending request. A rejection moves the task to
// error, an approved task stays in pending approval until it's executed.
func (s *Service) Resolve(ctx context.Context, id string, decision model.Decision, approver string) (_ *model.ApprovalRequest, err error) {
	status, err := decision.Status()
	if err != nil {
		return nil, err
	}
	if approver == "" {
		return nil, fmt.Errorf("approver is required: %w", model.ErrNotValid)
	}

	var resolved *model.ApprovalRequest
	defer func() {
		rec := model.AuditRecord{
			ActionType:     model.AuditActionApprovalResolve,
			Actor:          approver,
			Target:         id,
			Parameters:     map[string]string{"id": id, "decision": string(decision)},
			ApprovalStatus: string(status),
			ApprovedBy:     approver,
			Result:         model.AuditResultSuccess,
		}
		if resolved != nil {
			rec.Target = resolved.Task
			rec.Parameters["action"] = resolved.Action
		}
		if err != nil {
			rec.Result = model.AuditResultFailed
			rec.Error = err.Error()
		}
		s.record(ctx, rec)
	}()

	resolved, err = s.repo.ResolveApproval(ctx, id, status, approver, s.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("could not resolve approval %s: %w", id, err)
	}

	if status == model.ApprovalStatusRejected {
		err := s.tasks.Advance(ctx, resolved.Task, model.StagePendingApproval, model.StageError)
		switch {
		case errors.Is(err, model.ErrStateConflict):
			s.logger.Warningf("Rejected task %s was not pending approval", resolved.Task)
		case err != nil:
			return nil, fmt.Errorf("could not move rejected task to error: %w", err)
		}
	}

	s.logger.Infof("Approval %s %s by %s", id, status, approver)
	return resolved, nil
}

// Get returns an approval request.
func (s *Service) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	return s.repo.GetApproval(ctx, id)
}

// List returns the approval requests with a status, all when status is empty.
func (s *Service) List(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	return s.repo.ListApprovals(ctx, status)
}

// ForTask returns the approval requests of a task, oldest first.
func (s *Service) ForTask(ctx context.Context, task string) ([]model.ApprovalRequest, error) {
	return s.repo.ListTaskApprovals(ctx, task)
}

func (s *Service) record(ctx context.Context, rec model.AuditRecord) {
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Errorf("Could not record approval audit: %s", err)
	}
}

// NewID returns an approval request ID derived from the task name and the creation time.
func NewID(task string, at time.Time) string {
	return slug(task) + "-" + ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
