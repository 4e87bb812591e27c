// Package pipeline moves the tasks through their lifecycle: intake of the received
// files, planning, routing through the approval gate, execution and the settlement of
// the retried actions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/executor"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// TaskStore is the task state store the pipeline uses.
type TaskStore interface {
	Get(ctx context.Context, name string) (*model.Task, error)
	List(ctx context.Context, stage model.Stage) ([]model.Task, error)
	Advance(ctx context.Context, name string, from, to model.Stage) error
	CreatePlan(ctx context.Context, plan model.Plan) (created bool, err error)
	Plan(ctx context.Context, name string) (*model.Plan, error)
}

// ApprovalGate is the approval gate the pipeline routes the sensitive plans through.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, task, action string) (*model.ApprovalRequest, error)
	List(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error)
	ForTask(ctx context.Context, task string) ([]model.ApprovalRequest, error)
}

// RetryScheduler queues the actions that failed with a transient error.
type RetryScheduler interface {
	Schedule(ctx context.Context, req model.ActionRequest, cause error) (*model.QueuedAction, error)
	// Pending returns the actions of the task that are queued, claimed or quarantined.
	Pending(ctx context.Context, task string) ([]model.QueuedAction, error)
}

// ServiceConfig is the configuration of the pipeline.
type ServiceConfig struct {
	Tasks     TaskStore
	Approvals ApprovalGate
	Executor  executor.ActionExecutor
	Retries   RetryScheduler
	Recorder  audit.Recorder
	Plan      PlanOptions
	Clock     func() time.Time
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task store is required")
	}
	if c.Approvals == nil {
		return fmt.Errorf("approval gate is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Retries == nil {
		return fmt.Errorf("retry scheduler is required")
	}
	if c.Recorder == nil {
		c.Recorder = audit.NoopRecorder
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Service"})
	return nil
}

// Service is the task pipeline.
type Service struct {
	tasks     TaskStore
	approvals ApprovalGate
	exec      executor.ActionExecutor
	retries   RetryScheduler
	recorder  audit.Recorder
	planOpts  PlanOptions
	clock     func() time.Time
	logger    log.Logger
}

// NewService returns a new pipeline.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:     cfg.Tasks,
		approvals: cfg.Approvals,
		exec:      cfg.Executor,
		retries:   cfg.Retries,
		recorder:  cfg.Recorder,
		planOpts:  cfg.Plan,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Dispatch takes a received task, moves it out of received so it's not processed
// again, plans it and routes it.
func (s *Service) Dispatch(ctx context.Context, name string) error {
	if err := s.tasks.Advance(ctx, name, model.StageReceived, model.StageNeedsAction); err != nil {
		return fmt.Errorf("could not take task %s: %w", name, err)
	}

	return s.planAndRoute(ctx, name)
}

func (s *Service) planAndRoute(ctx context.Context, name string) error {
	plan, err := s.plan(ctx, name)
	if err != nil {
		return err
	}

	return s.route(ctx, name, plan)
}

// plan creates the plan of a task that needs action and moves it to planned.
func (s *Service) plan(ctx context.Context, name string) (*model.Plan, error) {
	task, err := s.tasks.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	plan, err := ParsePlan(name, task.Content, s.planOpts, s.clock())
	if err != nil {
		s.record(ctx, model.AuditRecord{
			ActionType: model.AuditActionPlanCreate,
			Actor:      model.ActorAgent,
			Target:     name,
			Result:     model.AuditResultFailed,
			Error:      err.Error(),
		})
		return nil, fmt.Errorf("could not plan task: %w", err)
	}

	created, err := s.tasks.CreatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("could not create plan: %w", err)
	}
	if !created {
		// An earlier attempt already planned it, that plan rules.
		stored, err := s.tasks.Plan(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("could not get plan: %w", err)
		}
		plan = *stored
	}

	if err := s.tasks.Advance(ctx, name, model.StageNeedsAction, model.StagePlanned); err != nil {
		return nil, fmt.Errorf("could not move task to planned: %w", err)
	}

	return &plan, nil
}

// route executes the non sensitive plans and sends the sensitive ones to approval.
func (s *Service) route(ctx context.Context, name string, plan *model.Plan) error {
	if plan.Sensitive {
		req, err := s.approvals.RequestApproval(ctx, name, plan.Action)
		if err != nil {
			return fmt.Errorf("could not request approval: %w", err)
		}
		s.logger.Infof("Task %s waiting for approval %s", name, req.ID)
		return nil
	}

	return s.execute(ctx, name, model.StagePlanned, plan, nil)
}

// execute runs the plan action and moves the task to its outcome stage: done on success,
// queued retry on transient failures and error on permanent ones.
func (s *Service) execute(ctx context.Context, name string, from model.Stage, plan *model.Plan, approval *model.ApprovalRequest) error {
	if err := s.tasks.Advance(ctx, name, from, model.StageExecuting); err != nil {
		return fmt.Errorf("could not move task to executing: %w", err)
	}

	req := model.ActionRequest{
		Action: plan.Action,
		Task:   name,
		Kwargs: plan.Args,
	}
	execErr := s.exec.Execute(ctx, req)
	s.record(ctx, audit.ExecutionRecord(req, approval, execErr))

	logger := s.logger.WithValues(log.Kv{"task": name, "action": plan.Action})
	switch model.Classify(execErr) {
	case model.FailureKindNone:
		logger.Infof("Action executed")
		return s.advance(ctx, name, model.StageExecuting, model.StageDone)

	case model.FailureKindTransient:
		logger.Warningf("Action failed, queuing for retry: %s", execErr)
		// The task waits in queued retry before the action is queued, the retry worker
		// can settle it as soon as it's queued.
		if err := s.advance(ctx, name, model.StageExecuting, model.StageQueuedRetry); err != nil {
			return err
		}
		return s.schedule(ctx, req, execErr)

	default:
		logger.Errorf("Action failed: %s", execErr)
		return s.advance(ctx, name, model.StageExecuting, model.StageError)
	}
}

// schedule queues the action of a task waiting in queued retry, if it can't be queued
// the task ends in error.
func (s *Service) schedule(ctx context.Context, req model.ActionRequest, cause error) error {
	if _, err := s.retries.Schedule(ctx, req, cause); err != nil {
		s.logger.Errorf("Could not queue action %s of task %s for retry: %s", req.Action, req.Task, err)
		if aerr := s.advance(ctx, req.Task, model.StageQueuedRetry, model.StageError); aerr != nil {
			return errors.Join(err, aerr)
		}
		return fmt.Errorf("could not queue action for retry: %w", err)
	}
	return nil
}

func (s *Service) advance(ctx context.Context, name string, from, to model.Stage) error {
	if err := s.tasks.Advance(ctx, name, from, to); err != nil {
		return fmt.Errorf("could not move task to %s: %w", to, err)
	}
	return nil
}

// SweepApprovals executes the approved tasks still waiting in pending approval. Returns
// the number of executed tasks.
func (s *Service) SweepApprovals(ctx context.Context) (int, error) {
	approved, err := s.approvals.List(ctx, model.ApprovalStatusApproved)
	if err != nil {
		return 0, fmt.Errorf("could not list approved requests: %w", err)
	}

	executed := 0
	var errs []error
	for _, a := range approved {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}

		task, err := s.tasks.Get(ctx, a.Task)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if task.Stage != model.StagePendingApproval {
			continue
		}

		// Only the latest request of the task rules.
		reqs, err := s.approvals.ForTask(ctx, a.Task)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(reqs) == 0 || reqs[len(reqs)-1].ID != a.ID {
			continue
		}

		plan, err := s.tasks.Plan(ctx, a.Task)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		err = s.execute(ctx, a.Task, model.StagePendingApproval, plan, &a)
		if errors.Is(err, model.ErrStateConflict) {
			// Another sweep took it.
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		executed++
	}

	return executed, errors.Join(errs...)
}

// Resume continues the tasks that were left half way (e.g. the process stopped after
// taking them and before routing them). Must be called after the queue recovery and
// before the workers start. Returns the number of resumed tasks.
func (s *Service) Resume(ctx context.Context) (int, error) {
	resumed := 0
	var errs []error

	needsAction, err := s.tasks.List(ctx, model.StageNeedsAction)
	if err != nil {
		return 0, err
	}
	for _, t := range needsAction {
		if err := s.planAndRoute(ctx, t.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		resumed++
	}

	planned, err := s.tasks.List(ctx, model.StagePlanned)
	if err != nil {
		return resumed, err
	}
	for _, t := range planned {
		plan, err := s.tasks.Plan(ctx, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.route(ctx, t.Name, plan); err != nil {
			errs = append(errs, err)
			continue
		}
		resumed++
	}

	n, err := s.resumeRejected(ctx)
	resumed += n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.resumeRetries(ctx)
	resumed += n
	if err != nil {
		errs = append(errs, err)
	}

	executing, err := s.tasks.List(ctx, model.StageExecuting)
	if err != nil {
		return resumed, errors.Join(append(errs, err)...)
	}
	for _, t := range executing {
		pending, err := s.retries.Pending(ctx, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(pending) == 0 {
			// The action could have been executed, it needs a human to decide.
			s.logger.Warningf("Task %s was interrupted while executing", t.Name)
			continue
		}

		// The action was queued but the task didn't reach queued retry.
		if err := s.advance(ctx, t.Name, model.StageExecuting, model.StageQueuedRetry); err != nil {
			errs = append(errs, err)
			continue
		}
		resumed++
	}

	return resumed, errors.Join(errs...)
}

// resumeRejected sends to error the tasks waiting for an approval that was rejected.
func (s *Service) resumeRejected(ctx context.Context) (int, error) {
	pending, err := s.tasks.List(ctx, model.StagePendingApproval)
	if err != nil {
		return 0, err
	}

	resumed := 0
	var errs []error
	for _, t := range pending {
		reqs, err := s.approvals.ForTask(ctx, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(reqs) == 0 || reqs[len(reqs)-1].Status != model.ApprovalStatusRejected {
			continue
		}

		err = s.advance(ctx, t.Name, model.StagePendingApproval, model.StageError)
		if errors.Is(err, model.ErrStateConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Warningf("Task %s approval was rejected, moved to error", t.Name)
		resumed++
	}

	return resumed, errors.Join(errs...)
}

// resumeRetries queues again the actions of the tasks that reached queued retry but
// whose action never made it to the queue.
func (s *Service) resumeRetries(ctx context.Context) (int, error) {
	waiting, err := s.tasks.List(ctx, model.StageQueuedRetry)
	if err != nil {
		return 0, err
	}

	resumed := 0
	var errs []error
	for _, t := range waiting {
		pending, err := s.retries.Pending(ctx, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(pending) > 0 {
			continue
		}

		plan, err := s.tasks.Plan(ctx, t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		req := model.ActionRequest{Action: plan.Action, Task: t.Name, Kwargs: plan.Args}
		cause := fmt.Errorf("interrupted before queuing the retry: %w", model.ErrTransient)
		if err := s.schedule(ctx, req, cause); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Warningf("Task %s retry queued again", t.Name)
		resumed++
	}

	return resumed, errors.Join(errs...)
}

// Settled moves the task of a queued action to its final stage once the retries
// finish. It's the queue settlement hook.
func (s *Service) Settled(ctx context.Context, a model.QueuedAction, err error) {
	if a.Task == "" {
		return
	}

	to := model.StageDone
	if err != nil {
		to = model.StageError
	}

	aerr := s.tasks.Advance(ctx, a.Task, model.StageQueuedRetry, to)
	switch {
	case errors.Is(aerr, model.ErrStateConflict):
		s.logger.Warningf("Task %s of queued action %s is not waiting for the retry", a.Task, a.ID)
	case aerr != nil:
		s.logger.Errorf("Could not settle task %s: %s", a.Task, aerr)
	}
}

func (s *Service) record(ctx context.Context, rec model.AuditRecord) {
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Errorf("Could not record pipeline audit: %s", err)
	}
}

// RunApprovalSweep sweeps the approved tasks on every interval until the context is cancelled.
func (s *Service) RunApprovalSweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive: %w", model.ErrNotValid)
	}
	s.logger.Infof("Sweeping approvals every %s", interval)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		n, err := s.SweepApprovals(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Errorf("Could not sweep approvals: %s", err)
		}
		if n > 0 {
			s.logger.Infof("Executed %d approved tasks", n)
		}

		select {
		case <-ctx.Done():
			s.logger.Infof("Approval sweep stopped")
			return nil
		case <-t.C:
		}
	}
}
