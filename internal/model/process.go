package model

import (
	"fmt"
	"time"
)

// SupervisedProcess is a long-running worker process the watchdog keeps alive.
type SupervisedProcess struct {
	Name        string
	Command     []string
	PIDFile     string
	LastPID     int
	Restarts    int
	LastRestart time.Time
}

// Validate validates the supervised process definition.
func (p SupervisedProcess) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}
	if len(p.Command) == 0 || p.Command[0] == "" {
		return fmt.Errorf("command is required: %w", ErrNotValid)
	}
	if p.PIDFile == "" {
		return fmt.Errorf("pid file is required: %w", ErrNotValid)
	}
	return nil
}
