package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/agentvault/internal/api"
	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/watcher"
)

const (
	defaultApprovalSweepInterval = 5 * time.Second
	defaultRetryInterval         = time.Second
)

// RunCommand runs the vault: the intake watcher, the approval sweep, the retry
// processor, the watchdog and the optional HTTP API.
type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddr   string
	ignoreExists bool
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the vault workers until stopped.")
	c.Cmd.Flag("listen-address", "HTTP API listen address (overrides the configured one, empty disables it).").StringVar(&c.listenAddr)
	c.Cmd.Flag("ignore-existing", "Ignore the files already waiting in received when starting.").BoolVar(&c.ignoreExists)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	// Continue where a previous run stopped.
	recovered, err := v.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("could not recover queue: %w", err)
	}
	if recovered > 0 {
		logger.Warningf("Recovered %d interrupted queued actions", recovered)
	}
	resumed, err := v.pipeline.Resume(ctx)
	if err != nil {
		logger.Errorf("Could not resume every task: %s", err)
	}
	if resumed > 0 {
		logger.Infof("Resumed %d tasks", resumed)
	}

	var seen *watcher.Seen
	receivedDir := conventions.StageDir(v.dir, model.StageReceived)
	if c.ignoreExists {
		seen, err = watcher.SeedFromDir(receivedDir)
		if err != nil {
			return fmt.Errorf("could not seed watcher: %w", err)
		}
	}
	w, err := watcher.NewWatcher(watcher.WatcherConfig{
		Dir:        receivedDir,
		Dispatcher: v.pipeline,
		Seen:       seen,
		Interval:   v.config.PollInterval,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}

	wd, err := v.newWatchdog()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	// Context cancellation (from parent signal handling).
	{
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Intake watcher.
	{
		g.Add(
			func() error {
				return w.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Approval sweep.
	{
		interval := v.config.ApprovalSweepInterval
		if interval <= 0 {
			interval = defaultApprovalSweepInterval
		}
		g.Add(
			func() error {
				return v.pipeline.RunApprovalSweep(ctx, interval)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Retry processor.
	{
		interval := v.config.RetryInterval
		if interval <= 0 {
			interval = defaultRetryInterval
		}
		g.Add(
			func() error {
				return v.processor.Run(ctx, interval)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Watchdog.
	if len(v.config.Watchdog.Processes) > 0 {
		g.Add(
			func() error {
				return wd.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// HTTP API.
	listenAddr := v.config.APIListenAddress
	if c.listenAddr != "" {
		listenAddr = c.listenAddr
	}
	if listenAddr != "" {
		h, err := api.NewHandler(api.HandlerConfig{
			Approvals: v.approvals,
			Tasks:     v.tasks,
			Queue:     v.queue,
			Requeuer:  v.processor,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("could not create API: %w", err)
		}
		server := &http.Server{
			Addr:              listenAddr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Add(
			func() error {
				logger.Infof("HTTP API listening on %s", listenAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http API failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := server.Shutdown(sctx); err != nil {
					logger.Errorf("Could not shut down HTTP API: %s", err)
				}
			},
		)
	}

	logger.Infof("Vault %s running", v.dir)
	return g.Run()
}
