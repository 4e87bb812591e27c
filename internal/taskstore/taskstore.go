// Package taskstore keeps the lifecycle stage of the tasks as directories of a vault.
//
// A task is a file, its stage is the directory it lives in and a transition is a single
// rename between stage directories, so a task is always visible in exactly one stage.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/storage"
)

// StoreConfig is the configuration of the task store.
type StoreConfig struct {
	// Dir is the vault root directory.
	Dir string
	// Approvals is used to gate the transitions in and out of pending approval.
	Approvals storage.ApprovalRepository
	Recorder  audit.Recorder
	Logger    log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Approvals == nil {
		return fmt.Errorf("approvals repository is required")
	}
	if c.Recorder == nil {
		return fmt.Errorf("audit recorder is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "taskstore.Store"})
	return nil
}

// Store is the directory backed task state store. It's the only component that
// moves tasks between stages.
type Store struct {
	dir       string
	approvals storage.ApprovalRepository
	recorder  audit.Recorder
	logger    log.Logger
	locks     *keyLocker
}

// NewStore returns a new task store, the stage directories are created if missing.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	for _, st := range model.Stages {
		if err := os.MkdirAll(conventions.StageDir(cfg.Dir, st), 0755); err != nil {
			return nil, fmt.Errorf("could not create stage directory: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, conventions.PlansDir), 0755); err != nil {
		return nil, fmt.Errorf("could not create plans directory: %w", err)
	}

	return &Store{
		dir:       cfg.Dir,
		approvals: cfg.Approvals,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		locks:     newKeyLocker(),
	}, nil
}

// Submit drops a new task in the received stage.
func (s *Store) Submit(ctx context.Context, name string, content []byte) error {
	if err := validateName(name); err != nil {
		return err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	path := s.taskPath(model.StageReceived, name)
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("task %s already received: %w", name, model.ErrAlreadyExists)
	}

	if err := atomicwriter.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("could not write task: %w", err)
	}

	s.logger.Debugf("Task submitted: %s", name)
	return nil
}

// Get returns the task with its current stage and content.
func (s *Store) Get(ctx context.Context, name string) (*model.Task, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	for _, st := range model.Stages {
		path := s.taskPath(st, name)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("could not stat task: %w", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			// Moved while reading.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("could not read task: %w", err)
		}

		return &model.Task{
			Name:      name,
			Stage:     st,
			CreatedAt: info.ModTime().UTC(),
			Size:      int64(len(content)),
			Content:   content,
		}, nil
	}

	return nil, fmt.Errorf("task %s: %w", name, model.ErrNotFound)
}

// List returns the tasks of a stage (without content) oldest first.
func (s *Store) List(ctx context.Context, stage model.Stage) ([]model.Task, error) {
	if err := stage.Validate(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(conventions.StageDir(s.dir, stage))
	if err != nil {
		return nil, fmt.Errorf("could not read stage directory: %w", err)
	}

	tasks := []model.Task{}
	for _, e := range entries {
		if !isTaskEntry(e) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Moved while listing.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("could not stat task: %w", err)
		}
		tasks = append(tasks, model.Task{
			Name:      e.Name(),
			Stage:     stage,
			CreatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].Name < tasks[j].Name
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// Advance moves a task from one stage to another.
//
// It fails with model.ErrStateConflict if the task is not in the from stage, with
// model.ErrDuplicateTarget if the destination already has a task with the same name
// and with model.ErrNotValid if the transition is not allowed. Moving into pending
// approval requires a pending approval request and moving from pending approval to
// executing requires an approved one.
func (s *Store) Advance(ctx context.Context, name string, from, to model.Stage) (err error) {
	if err := validateName(name); err != nil {
		return err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	approvalStatus := ""
	defer func() {
		// A state conflict means another worker already moved the task, nothing happened.
		if errors.Is(err, model.ErrStateConflict) {
			return
		}
		s.record(ctx, name, from, to, approvalStatus, err)
	}()

	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}

	// Presence goes first, a task that is not in from is a conflict whatever the target.
	src := s.taskPath(from, name)
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("task %s is not %s: %w", name, from, model.ErrStateConflict)
		}
		return fmt.Errorf("could not stat task: %w", err)
	}

	if !model.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, model.ErrNotValid)
	}

	approvalStatus, err = s.checkApproval(ctx, name, from, to)
	if err != nil {
		return err
	}

	err = renameNoReplace(src, s.taskPath(to, name))
	if err != nil {
		switch {
		case errors.Is(err, os.ErrExist):
			return fmt.Errorf("task %s already in %s: %w", name, to, model.ErrDuplicateTarget)
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("task %s is not %s: %w", name, from, model.ErrStateConflict)
		}
		return fmt.Errorf("could not move task: %w", err)
	}

	s.logger.Infof("Task %s: %s -> %s", name, from, to)
	return nil
}

// checkApproval gates the approval related transitions. Returns the approval status
// of the task, if any.
func (s *Store) checkApproval(ctx context.Context, name string, from, to model.Stage) (string, error) {
	enteringApproval := to == model.StagePendingApproval
	leavingToExec := from == model.StagePendingApproval && to == model.StageExecuting
	if !enteringApproval && !leavingToExec {
		return "", nil
	}

	approvals, err := s.approvals.ListTaskApprovals(ctx, name)
	if err != nil {
		return "", fmt.Errorf("could not get task approvals: %w", err)
	}
	if len(approvals) == 0 {
		return "", fmt.Errorf("task %s has no approval request: %w", name, model.ErrApprovalPending)
	}

	// The latest request is the one that rules the task.
	latest := approvals[len(approvals)-1]
	status := string(latest.Status)

	switch {
	case enteringApproval && latest.Status != model.ApprovalStatusPending:
		return status, fmt.Errorf("task %s approval %s is %s: %w", name, latest.ID, latest.Status, model.ErrNotValid)
	case leavingToExec && latest.Status == model.ApprovalStatusPending:
		return status, fmt.Errorf("task %s approval %s: %w", name, latest.ID, model.ErrApprovalPending)
	case leavingToExec && latest.Status == model.ApprovalStatusRejected:
		return status, fmt.Errorf("task %s approval %s: %w", name, latest.ID, model.ErrApprovalRejected)
	}

	return status, nil
}

// CreatePlan stores the plan artifact of a task that needs action. It's idempotent,
// if the plan already exists it returns false and doesn't error.
func (s *Store) CreatePlan(ctx context.Context, plan model.Plan) (created bool, err error) {
	if err := plan.Validate(); err != nil {
		return false, err
	}
	if err := validateName(plan.Task); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(plan.Task)
	defer unlock()

	path := s.planPath(plan.Task)
	if _, err := os.Stat(path); err == nil {
		s.logger.Debugf("Plan already exists: %s", plan.Task)
		return false, nil
	}

	if _, err := os.Stat(s.taskPath(model.StageNeedsAction, plan.Task)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("task %s is not %s: %w", plan.Task, model.StageNeedsAction, model.ErrStateConflict)
		}
		return false, fmt.Errorf("could not stat task: %w", err)
	}

	defer func() {
		rec := model.AuditRecord{
			ActionType: model.AuditActionPlanCreate,
			Actor:      model.ActorAgent,
			Target:     plan.Task,
			Parameters: map[string]string{
				"action":    plan.Action,
				"sensitive": fmt.Sprintf("%t", plan.Sensitive),
			},
			Result: model.AuditResultSuccess,
		}
		if err != nil {
			rec.Result = model.AuditResultFailed
			rec.Error = err.Error()
		}
		if rerr := s.recorder.Record(ctx, rec); rerr != nil {
			s.logger.Errorf("Could not record plan creation audit: %s", rerr)
		}
	}()

	data, err := yaml.Marshal(plan)
	if err != nil {
		return false, fmt.Errorf("could not marshal plan: %w", err)
	}

	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("could not write plan: %w", err)
	}

	s.logger.Debugf("Plan created: %s (action: %s)", plan.Task, plan.Action)
	return true, nil
}

// Plan returns the plan of a task.
func (s *Store) Plan(ctx context.Context, name string) (*model.Plan, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.planPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("plan of %s: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read plan: %w", err)
	}

	var plan model.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("could not unmarshal plan: %w", err)
	}

	return &plan, nil
}

func (s *Store) record(ctx context.Context, name string, from, to model.Stage, approvalStatus string, err error) {
	rec := model.AuditRecord{
		ActionType: model.AuditActionTaskAdvance,
		Actor:      model.ActorAgent,
		Target:     name,
		Parameters: map[string]string{
			"from": string(from),
			"to":   string(to),
		},
		ApprovalStatus: approvalStatus,
		Result:         model.AuditResultSuccess,
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	}

	if rerr := s.recorder.Record(ctx, rec); rerr != nil {
		s.logger.Errorf("Could not record task transition audit: %s", rerr)
	}
}

func (s *Store) taskPath(stage model.Stage, name string) string {
	return filepath.Join(conventions.StageDir(s.dir, stage), name)
}

func (s *Store) planPath(name string) string {
	return filepath.Join(s.dir, conventions.PlansDir, name+conventions.PlanFileSuffix)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid task name %q: %w", name, model.ErrNotValid)
	}
	return nil
}

// isTaskEntry filters the directory entries that are not tasks: directories,
// hidden files and in-flight temporary files.
func isTaskEntry(e os.DirEntry) bool {
	return !e.IsDir() && conventions.IsTaskFile(e.Name())
}
