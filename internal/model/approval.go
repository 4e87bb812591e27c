package model

import (
	"fmt"
	"time"
)

// ApprovalStatus is the status of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Decision is the resolution a human gives to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status returns the approval status a decision resolves to.
func (d Decision) Status() (ApprovalStatus, error) {
	switch d {
	case DecisionApprove:
		return ApprovalStatusApproved, nil
	case DecisionReject:
		return ApprovalStatusRejected, nil
	}
	return "", fmt.Errorf("unknown decision %q: %w", d, ErrNotValid)
}

// ApprovalRequest is a request for human sign-off before a sensitive action executes.
// Requests are never deleted, only resolved.
type ApprovalRequest struct {
	ID         string
	Task       string
	Action     string
	Status     ApprovalStatus
	Approver   string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Pending returns true if the request has not been resolved yet.
func (a ApprovalRequest) Pending() bool { return a.Status == ApprovalStatusPending }
