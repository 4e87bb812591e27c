package model

import (
	"context"
	"errors"
	"net"
	"time"
)

// ActionRequest is what an action executor receives to perform integration work.
type ActionRequest struct {
	Action string
	Task   string
	Args   []string
	Kwargs map[string]string
}

// FailureKind classifies an action execution error.
type FailureKind string

const (
	FailureKindNone      FailureKind = ""
	FailureKindTransient FailureKind = "transient"
	FailureKindPermanent FailureKind = "permanent"
)

// Classify returns the failure kind of an action execution error. Only transient
// failures are retried, anything not recognized as transient is permanent.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureKindNone
	}

	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownAction) {
		return FailureKindPermanent
	}

	if errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return FailureKindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureKindTransient
	}

	return FailureKindPermanent
}

// QueuedAction is an action waiting to be retried after a transient failure.
type QueuedAction struct {
	ID            string            `json:"id"`
	Task          string            `json:"task,omitempty"`
	Action        string            `json:"function"`
	Args          []string          `json:"args"`
	Kwargs        map[string]string `json:"kwargs"`
	EnqueuedAt    time.Time         `json:"timestamp"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	QuarantinedAt *time.Time        `json:"quarantined_at,omitempty"`
}

// Request returns the executor request of the queued action.
func (q QueuedAction) Request() ActionRequest {
	return ActionRequest{
		Action: q.Action,
		Task:   q.Task,
		Args:   q.Args,
		Kwargs: q.Kwargs,
	}
}
