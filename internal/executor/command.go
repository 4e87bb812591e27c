package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// ExitCodeTempFail is the exit code (EX_TEMPFAIL) commands use to signal a transient failure.
const ExitCodeTempFail = 75

const maxOutputInError = 256

// CommandConfig is the configuration of a command executor.
type CommandConfig struct {
	// Command is the program and its fixed arguments, the request args are appended.
	Command []string
	// Dir is the working directory of the command.
	Dir    string
	Env    []string
	Logger log.Logger
}

func (c *CommandConfig) defaults() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("command is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "executor.Command"})
	return nil
}

// Command executes the actions running an external command.
//
// The request kwargs are passed as AGENTVAULT_ARG_<KEY> environment variables. A zero
// exit code is a success, ExitCodeTempFail a transient failure and anything else a
// permanent failure.
type Command struct {
	command []string
	dir     string
	env     []string
	logger  log.Logger
}

// NewCommand returns a new command executor.
func NewCommand(cfg CommandConfig) (*Command, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Command{
		command: cfg.Command,
		dir:     cfg.Dir,
		env:     cfg.Env,
		logger:  cfg.Logger,
	}, nil
}

func (c *Command) Execute(ctx context.Context, req model.ActionRequest) error {
	args := append(append([]string{}, c.command[1:]...), req.Args...)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = c.dir
	cmd.Env = append(append(os.Environ(), c.env...), requestEnv(req)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.logger.Debugf("Running action %q: %s", req.Action, strings.Join(cmd.Args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("action %q command interrupted: %w: %w", req.Action, model.ErrTransient, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output := strings.TrimSpace(out.String())
		if len(output) > maxOutputInError {
			output = output[len(output)-maxOutputInError:]
		}
		if exitErr.ExitCode() == ExitCodeTempFail {
			return fmt.Errorf("action %q command temporary failure: %q: %w", req.Action, output, model.ErrTransient)
		}
		return fmt.Errorf("action %q command exited with %d: %q: %w", req.Action, exitErr.ExitCode(), output, model.ErrPermanent)
	}

	return fmt.Errorf("could not run action %q command: %w: %w", req.Action, model.ErrPermanent, err)
}

func requestEnv(req model.ActionRequest) []string {
	env := []string{
		"AGENTVAULT_ACTION=" + req.Action,
		"AGENTVAULT_TASK=" + req.Task,
	}

	keys := make([]string, 0, len(req.Kwargs))
	for k := range req.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "AGENTVAULT_ARG_"+envKey(k)+"="+req.Kwargs[k])
	}

	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}
