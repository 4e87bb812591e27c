package storage

import (
	"context"
	"time"

	"github.com/slok/agentvault/internal/model"
)

//go:generate mockery --case underscore --output storagemock --outpkg storagemock --structname MockApprovalRepository --name ApprovalRepository

// ApprovalRepository is the interface for approval request persistence.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, a model.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error)
	// ListApprovals returns the requests with the status, an empty status returns all of them.
	ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error)
	// ListTaskApprovals returns the requests of a task, oldest first.
	ListTaskApprovals(ctx context.Context, task string) ([]model.ApprovalRequest, error)
	// ResolveApproval atomically resolves a pending request. Returns model.ErrNotFound if
	// the request doesn't exist and model.ErrAlreadyResolved if it's not pending.
	ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, approver string, at time.Time) (*model.ApprovalRequest, error)
}
