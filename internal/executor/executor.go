// Package executor has the action executors that perform the integration work of
// the tasks (send an email, post a message, register a payment...).
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/agentvault/internal/model"
)

//go:generate mockery --case underscore --output executormock --outpkg executormock --structname MockActionExecutor --name ActionExecutor

// ActionExecutor knows how to execute an action.
type ActionExecutor interface {
	Execute(ctx context.Context, req model.ActionRequest) error
}

// ActionExecutorFunc is a helper to use functions as action executors.
type ActionExecutorFunc func(ctx context.Context, req model.ActionRequest) error

func (f ActionExecutorFunc) Execute(ctx context.Context, req model.ActionRequest) error {
	return f(ctx, req)
}

// Registry is the capability map from action names to executors. It's an
// executor itself that dispatches by the request action name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ActionExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]ActionExecutor{}}
}

// Register binds an action name to an executor.
func (r *Registry) Register(action string, e ActionExecutor) error {
	if action == "" || e == nil {
		return fmt.Errorf("action name and executor are required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executors[action]; ok {
		return fmt.Errorf("action %q executor: %w", action, model.ErrAlreadyExists)
	}
	r.executors[action] = e

	return nil
}

// Actions returns the registered action names sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

func (r *Registry) Execute(ctx context.Context, req model.ActionRequest) error {
	r.mu.RLock()
	e, ok := r.executors[req.Action]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("action %q: %w", req.Action, model.ErrUnknownAction)
	}

	return e.Execute(ctx, req)
}

// NewTimeout wraps an executor bounding every call with a timeout. A call that
// times out is a transient failure.
func NewTimeout(timeout time.Duration, next ActionExecutor) ActionExecutor {
	if timeout <= 0 {
		return next
	}

	return ActionExecutorFunc(func(ctx context.Context, req model.ActionRequest) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := next.Execute(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, model.ErrTransient) {
			return fmt.Errorf("action %q timed out after %s: %w: %w", req.Action, timeout, model.ErrTransient, err)
		}

		return err
	})
}
