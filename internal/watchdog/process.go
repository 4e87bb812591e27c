package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/atomicwriter"

	"github.com/slok/agentvault/internal/model"
)

// Prober knows if a process is running.
type Prober interface {
	Alive(pid int) bool
}

// ProberFunc is a helper to use functions as probers.
type ProberFunc func(pid int) bool

func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// SignalProber probes the processes sending them the null signal, it doesn't
// affect the process. A process owned by another user can't be signaled but it's
// alive.
var SignalProber = ProberFunc(func(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return signalAlive(proc.Signal(syscall.Signal(0)))
})

func signalAlive(err error) bool {
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Launcher starts a process and returns its PID.
type Launcher interface {
	Launch(ctx context.Context, p model.SupervisedProcess) (pid int, err error)
}

// LauncherFunc is a helper to use functions as launchers.
type LauncherFunc func(ctx context.Context, p model.SupervisedProcess) (int, error)

func (f LauncherFunc) Launch(ctx context.Context, p model.SupervisedProcess) (int, error) {
	return f(ctx, p)
}

// ExecLauncher starts the processes as detached children in their own session, so
// they don't get the signals of the watchdog terminal. When LogDir is set the process
// output goes to <LogDir>/<name>.log.
type ExecLauncher struct {
	LogDir string
}

func (l ExecLauncher) Launch(ctx context.Context, p model.SupervisedProcess) (int, error) {
	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	detach(cmd)

	if l.LogDir != "" {
		logFile, err := os.OpenFile(filepath.Join(l.LogDir, p.Name+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("could not open process log file: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not start process: %w", err)
	}

	// Reap the child, a zombie would still answer the liveness probe.
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

// ReadPIDFile returns the PID stored in a PID file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("pid file %s: %w", path, model.ErrNotFound)
		}
		return 0, fmt.Errorf("could not read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, model.ErrNotValid)
	}

	return pid, nil
}

// WritePIDFile atomically stores a PID in a PID file.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create pid file directory: %w", err)
	}

	if err := atomicwriter.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("could not write pid file: %w", err)
	}

	return nil
}
