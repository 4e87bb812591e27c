package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.ApprovalRepository.
type Repository struct {
	approvals map[string]model.ApprovalRequest
	mu        sync.RWMutex
	logger    log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		approvals: make(map[string]model.ApprovalRequest),
		logger:    cfg.Logger,
	}, nil
}

// CreateApproval stores a new approval request.
func (r *Repository) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	if a.ID == "" || a.Task == "" {
		return fmt.Errorf("approval id and task are required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[a.ID]; ok {
		return fmt.Errorf("approval with id %s: %w", a.ID, model.ErrAlreadyExists)
	}

	r.approvals[a.ID] = a
	r.logger.Debugf("Created approval in repository: %s", a.ID)

	return nil
}

// GetApproval retrieves an approval request by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
	}

	return &a, nil
}

// ListApprovals returns the approval requests with a status, oldest first.
func (r *Repository) ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	return r.filter(func(a model.ApprovalRequest) bool { return status == "" || a.Status == status }), nil
}

// ListTaskApprovals returns the approval requests of a task, oldest first.
func (r *Repository) ListTaskApprovals(ctx context.Context, task string) ([]model.ApprovalRequest, error) {
	return r.filter(func(a model.ApprovalRequest) bool { return a.Task == task }), nil
}

// ResolveApproval resolves a pending approval request.
func (r *Repository) ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, approver string, at time.Time) (*model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
	}
	if !a.Pending() {
		return nil, fmt.Errorf("approval %s is %s: %w", id, a.Status, model.ErrAlreadyResolved)
	}

	at = at.UTC()
	a.Status = status
	a.Approver = approver
	a.ResolvedAt = &at
	r.approvals[id] = a

	r.logger.Debugf("Resolved approval in repository: %s (%s)", id, status)
	return &a, nil
}

func (r *Repository) filter(keep func(a model.ApprovalRequest) bool) []model.ApprovalRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	approvals := []model.ApprovalRequest{}
	for _, a := range r.approvals {
		if keep(a) {
			approvals = append(approvals, a)
		}
	}

	sort.Slice(approvals, func(i, j int) bool {
		if approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].ID < approvals[j].ID
		}
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})

	return approvals
}
