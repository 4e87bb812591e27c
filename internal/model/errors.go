package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrStateConflict is returned when a task is not in the stage a transition expects.
	ErrStateConflict = errors.New("state conflict")
	// ErrDuplicateTarget is returned when the destination stage already holds a task with the same name.
	ErrDuplicateTarget = errors.New("duplicate target")

	// ErrTransient marks failures that are expected to resolve by retrying (timeouts, rate limits, connectivity).
	ErrTransient = errors.New("transient failure")
	// ErrServiceUnavailable is returned when a downstream dependency is degraded, the action should be queued for later.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrPermanent marks failures that will not resolve by retrying (validation, authorization).
	ErrPermanent = errors.New("permanent failure")
	// ErrUnknownAction is returned when an action name has no registered executor.
	ErrUnknownAction = errors.New("unknown action")

	// ErrApprovalPending is returned when an action requires an approval that has not been resolved yet.
	ErrApprovalPending = errors.New("approval pending")
	// ErrApprovalRejected is returned when the approval of an action has been rejected.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrAlreadyResolved is returned when resolving an approval request that is not pending.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrProcessDown is returned when a supervised process is not running.
	ErrProcessDown = errors.New("process down")
)
