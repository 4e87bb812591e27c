package model

import (
	"fmt"
	"time"
)

// Stage is the lifecycle stage of a task.
type Stage string

const (
	StageReceived        Stage = "received"
	StageNeedsAction     Stage = "needs_action"
	StagePlanned         Stage = "planned"
	StagePendingApproval Stage = "pending_approval"
	StageExecuting       Stage = "executing"
	StageQueuedRetry     Stage = "queued_retry"
	StageDone            Stage = "done"
	StageError           Stage = "error"
)

// Stages are all the task stages in lifecycle order.
var Stages = []Stage{
	StageReceived,
	StageNeedsAction,
	StagePlanned,
	StagePendingApproval,
	StageExecuting,
	StageQueuedRetry,
	StageDone,
	StageError,
}

// transitions is the task state machine, any transition not listed is not valid.
var transitions = map[Stage][]Stage{
	StageReceived:        {StageNeedsAction},
	StageNeedsAction:     {StagePlanned},
	StagePlanned:         {StagePendingApproval, StageExecuting},
	StagePendingApproval: {StageExecuting, StageError},
	StageExecuting:       {StageDone, StageQueuedRetry, StageError},
	StageQueuedRetry:     {StageDone, StageError},
}

// Terminal returns true when the stage is never left once reached.
func (s Stage) Terminal() bool { return s == StageDone || s == StageError }

// Validate checks the stage is a known one.
func (s Stage) Validate() error {
	for _, st := range Stages {
		if s == st {
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q: %w", s, ErrNotValid)
}

// CanTransition returns true if moving a task from one stage to another is allowed.
func CanTransition(from, to Stage) bool {
	for _, st := range transitions[from] {
		if st == to {
			return true
		}
	}
	return false
}

// Task is a unit of work represented by a file and tracked through lifecycle stages.
type Task struct {
	Name      string
	Stage     Stage
	CreatedAt time.Time
	// Size is the content size in bytes, set even when the content is not loaded.
	Size    int64
	Content []byte
}

// Plan is the artifact produced by the planning step of a task.
type Plan struct {
	Task      string            `yaml:"task"`
	Action    string            `yaml:"action"`
	Args      map[string]string `yaml:"args,omitempty"`
	Sensitive bool              `yaml:"sensitive"`
	Objective string            `yaml:"objective"`
	Steps     []string          `yaml:"steps"`
	CreatedAt time.Time         `yaml:"created_at"`
}

// Validate validates the plan.
func (p Plan) Validate() error {
	if p.Task == "" {
		return fmt.Errorf("task is required: %w", ErrNotValid)
	}
	if p.Action == "" {
		return fmt.Errorf("action is required: %w", ErrNotValid)
	}
	return nil
}
