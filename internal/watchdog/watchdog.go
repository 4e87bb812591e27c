// Package watchdog keeps the long-running worker processes alive, restarting the
// ones that died.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/notify"
)

// Config is the watchdog configuration.
type Config struct {
	Prober   Prober
	Launcher Launcher
	Notifier notify.Notifier
	Recorder audit.Recorder
	// Interval is the time between checks of Run.
	Interval time.Duration
	// RestartBackoff is the min delay before restarting again a process that keeps
	// dying, it doubles on every consecutive quick restart. Zero disables it.
	RestartBackoff time.Duration
	// StableAfter is the time a restarted process needs to stay up to reset its
	// consecutive restarts.
	StableAfter time.Duration
	// EscalateAfter sends an escalation notification after that many consecutive
	// restarts. Zero disables it.
	EscalateAfter int
	Clock         func() time.Time
	Logger        log.Logger
}

func (c *Config) defaults() error {
	if c.Prober == nil {
		c.Prober = SignalProber
	}
	if c.Launcher == nil {
		c.Launcher = ExecLauncher{}
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.Recorder == nil {
		c.Recorder = audit.NoopRecorder
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RestartBackoff < 0 {
		return fmt.Errorf("restart backoff can't be negative")
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.EscalateAfter < 0 {
		return fmt.Errorf("escalate after can't be negative")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "watchdog.Watchdog"})
	return nil
}

type supervised struct {
	proc        model.SupervisedProcess
	consecutive int
	nextAllowed time.Time
}

// Watchdog supervises a set of registered processes.
type Watchdog struct {
	prober         Prober
	launcher       Launcher
	notifier       notify.Notifier
	recorder       audit.Recorder
	interval       time.Duration
	restartBackoff time.Duration
	stableAfter    time.Duration
	escalateAfter  int
	clock          func() time.Time
	logger         log.Logger

	mu      sync.Mutex
	running bool
	procs   map[string]*supervised
}

// New returns a new watchdog.
func New(cfg Config) (*Watchdog, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Watchdog{
		prober:         cfg.Prober,
		launcher:       cfg.Launcher,
		notifier:       cfg.Notifier,
		recorder:       cfg.Recorder,
		interval:       cfg.Interval,
		restartBackoff: cfg.RestartBackoff,
		stableAfter:    cfg.StableAfter,
		escalateAfter:  cfg.EscalateAfter,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		procs:          map[string]*supervised{},
	}, nil
}

// Register adds a process to supervise. Processes can only be registered before Run.
func (w *Watchdog) Register(name string, command []string, pidFile string) error {
	p := model.SupervisedProcess{Name: name, Command: command, PIDFile: pidFile}
	if err := p.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("can't register %s, the watchdog is running: %w", name, model.ErrNotValid)
	}
	if _, ok := w.procs[name]; ok {
		return fmt.Errorf("process %s: %w", name, model.ErrAlreadyExists)
	}
	w.procs[name] = &supervised{proc: p}

	return nil
}

// Processes returns the supervised processes sorted by name.
func (w *Watchdog) Processes() []model.SupervisedProcess {
	w.mu.Lock()
	defer w.mu.Unlock()

	ps := make([]model.SupervisedProcess, 0, len(w.procs))
	for _, s := range w.procs {
		ps = append(ps, s.proc)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })

	return ps
}

// CheckAndRestart restarts the dead processes and returns their names. The new PID is
// stored in the PID file before returning. When all the processes are alive it does
// nothing.
func (w *Watchdog) CheckAndRestart(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.procs))
	for n := range w.procs {
		names = append(names, n)
	}
	sort.Strings(names)

	restarted := []string{}
	var errs []error
	for _, n := range names {
		if ctx.Err() != nil {
			return restarted, ctx.Err()
		}

		s := w.procs[n]
		ok, err := w.checkAndRestart(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", n, err))
		}
		if ok {
			restarted = append(restarted, n)
		}
	}

	return restarted, errors.Join(errs...)
}

func (w *Watchdog) checkAndRestart(ctx context.Context, s *supervised) (bool, error) {
	logger := w.logger.WithValues(log.Kv{"process": s.proc.Name})

	pid, err := ReadPIDFile(s.proc.PIDFile)
	if err == nil {
		s.proc.LastPID = pid
		if w.prober.Alive(pid) {
			return false, nil
		}
	} else if !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrNotValid) {
		return false, err
	}

	now := w.clock()
	if now.Before(s.nextAllowed) {
		logger.Debugf("Process down, restart delayed until %s", s.nextAllowed.Format(time.RFC3339))
		return false, nil
	}

	if !s.proc.LastRestart.IsZero() && now.Sub(s.proc.LastRestart) < w.stableAfter {
		s.consecutive++
	} else {
		s.consecutive = 1
	}

	newPID, err := w.launcher.Launch(ctx, s.proc)
	if err != nil {
		err = fmt.Errorf("%w: could not launch: %w", model.ErrProcessDown, err)
		w.notify(ctx, logger, fmt.Sprintf("Watchdog could not restart process %q: %s", s.proc.Name, err))
		w.recordRestart(ctx, s.proc, 0, err)
		w.delayNext(s, now)
		return false, err
	}

	if err := WritePIDFile(s.proc.PIDFile, newPID); err != nil {
		w.recordRestart(ctx, s.proc, newPID, err)
		return true, err
	}

	s.proc.LastPID = newPID
	s.proc.Restarts++
	s.proc.LastRestart = now
	w.delayNext(s, now)
	w.recordRestart(ctx, s.proc, newPID, nil)

	logger.Warningf("Process restarted (pid %d, %d consecutive restarts)", newPID, s.consecutive)
	w.notify(ctx, logger, fmt.Sprintf("Watchdog restarted process %q (pid %d)", s.proc.Name, newPID))

	if w.escalateAfter > 0 && s.consecutive == w.escalateAfter {
		w.notify(ctx, logger, fmt.Sprintf("Process %q restarted %d times in a row, it needs human attention", s.proc.Name, s.consecutive))
	}

	return true, nil
}

func (w *Watchdog) delayNext(s *supervised, now time.Time) {
	if w.restartBackoff <= 0 {
		return
	}

	d := w.restartBackoff
	for i := 1; i < s.consecutive && d < time.Hour; i++ {
		d *= 2
	}
	s.nextAllowed = now.Add(d)
}

// Run checks the processes on every interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Infof("Supervising %d processes every %s", len(w.Processes()), w.interval)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		if _, err := w.CheckAndRestart(ctx); err != nil && ctx.Err() == nil {
			w.logger.Errorf("Watchdog check failed: %s", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Infof("Watchdog stopped")
			return nil
		case <-t.C:
		}
	}
}

func (w *Watchdog) notify(ctx context.Context, logger log.Logger, msg string) {
	if err := w.notifier.Notify(ctx, msg); err != nil {
		logger.Errorf("Could not notify: %s", err)
	}
}

func (w *Watchdog) recordRestart(ctx context.Context, p model.SupervisedProcess, pid int, err error) {
	rec := model.AuditRecord{
		ActionType: model.AuditActionProcessRestart,
		Actor:      model.ActorSystem,
		Target:     p.Name,
		Parameters: map[string]string{
			"pid":      strconv.Itoa(pid),
			"restarts": strconv.Itoa(p.Restarts),
		},
		Result: model.AuditResultSuccess,
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	}
	if rerr := w.recorder.Record(ctx, rec); rerr != nil {
		w.logger.Errorf("Could not record process restart audit: %s", rerr)
	}
}
