package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/slok/agentvault/internal/app/pipeline"
	"github.com/slok/agentvault/internal/approval"
	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/executor"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/notify"
	"github.com/slok/agentvault/internal/queue"
	storageio "github.com/slok/agentvault/internal/storage/io"
	"github.com/slok/agentvault/internal/storage/sqlite"
	"github.com/slok/agentvault/internal/taskstore"
	"github.com/slok/agentvault/internal/watchdog"
)

// vault holds the wired components of a vault directory.
type vault struct {
	dir       string
	config    model.VaultConfig
	audit     *audit.FileLog
	repo      *sqlite.Repository
	tasks     *taskstore.Store
	approvals *approval.Service
	queue     *queue.Store
	processor *queue.Processor
	pipeline  *pipeline.Service
	registry  *executor.Registry
	notifier  notify.Notifier
	logger    log.Logger
}

func openVault(ctx context.Context, root RootCommand) (*vault, error) {
	logger := root.Logger

	if _, err := os.Stat(root.DataDir); err != nil {
		return nil, fmt.Errorf("vault %s is not initialized, run init: %w", root.DataDir, err)
	}

	cfg, err := loadConfig(ctx, root)
	if err != nil {
		return nil, err
	}

	v := &vault{dir: root.DataDir, config: cfg, logger: logger}

	v.audit, err = audit.NewFileLog(audit.FileLogConfig{
		Dir:    filepath.Join(v.dir, conventions.LogsDir),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create audit log: %w", err)
	}

	v.notifier, err = newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	v.repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: conventions.DBPath(v.dir),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	v.tasks, err = taskstore.NewStore(taskstore.StoreConfig{
		Dir:       v.dir,
		Approvals: v.repo,
		Recorder:  v.audit,
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create task store: %w", err), v.Close())
	}

	v.approvals, err = approval.NewService(approval.ServiceConfig{
		Repository: v.repo,
		Tasks:      v.tasks,
		Recorder:   v.audit,
		Notifier:   v.notifier,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create approval service: %w", err), v.Close())
	}

	v.queue, err = queue.NewStore(queue.StoreConfig{Dir: v.dir, Logger: logger})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create queue: %w", err), v.Close())
	}

	var exec executor.ActionExecutor
	v.registry, exec, err = newExecutor(cfg, logger)
	if err != nil {
		return nil, errors.Join(err, v.Close())
	}

	// The pipeline settles the tasks of the retried actions, it's created after the processor.
	settler := queue.SettlerFunc(func(ctx context.Context, a model.QueuedAction, err error) {
		v.pipeline.Settled(ctx, a, err)
	})
	v.processor, err = queue.NewProcessor(queue.ProcessorConfig{
		Store:      v.queue,
		Executor:   exec,
		Recorder:   v.audit,
		Notifier:   v.notifier,
		Settler:    settler,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		MaxRetries: cfg.Retry.MaxRetries,
		Workers:    cfg.Retry.Workers,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create retry processor: %w", err), v.Close())
	}

	v.pipeline, err = pipeline.NewService(pipeline.ServiceConfig{
		Tasks:     v.tasks,
		Approvals: v.approvals,
		Executor:  exec,
		Retries:   v.processor,
		Recorder:  v.audit,
		Plan: pipeline.PlanOptions{
			DefaultAction:    cfg.Executor.DefaultAction,
			SensitiveActions: cfg.Executor.SensitiveActions,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create pipeline: %w", err), v.Close())
	}

	return v, nil
}

// Close releases the vault resources.
func (v *vault) Close() error {
	if v.repo == nil {
		return nil
	}
	return v.repo.Close()
}

func (v *vault) newWatchdog() (*watchdog.Watchdog, error) {
	wd, err := watchdog.New(watchdog.Config{
		Launcher:       watchdog.ExecLauncher{LogDir: filepath.Join(v.dir, conventions.LogsDir)},
		Notifier:       v.notifier,
		Recorder:       v.audit,
		Interval:       v.config.WatchdogInterval,
		RestartBackoff: v.config.Watchdog.RestartBackoff,
		StableAfter:    v.config.Watchdog.StableAfter,
		EscalateAfter:  v.config.Watchdog.EscalateAfter,
		Logger:         v.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create watchdog: %w", err)
	}

	for _, p := range v.config.Watchdog.Processes {
		pidFile := p.PIDFile
		if !filepath.IsAbs(pidFile) {
			pidFile = filepath.Join(v.dir, conventions.RunDir, pidFile)
		}
		if err := wd.Register(p.Name, p.Command, pidFile); err != nil {
			return nil, fmt.Errorf("could not register process %s: %w", p.Name, err)
		}
	}

	return wd, nil
}

// loadConfig loads the vault configuration, a vault without config file uses the defaults.
func loadConfig(ctx context.Context, root RootCommand) (model.VaultConfig, error) {
	path, err := filepath.Abs(root.configPath())
	if err != nil {
		return model.VaultConfig{}, fmt.Errorf("invalid config path: %w", err)
	}

	repo := storageio.NewConfigYAMLRepository(os.DirFS(filepath.Dir(path)))
	cfg, err := repo.GetConfig(ctx, filepath.Base(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && root.ConfigPath == "" {
			root.Logger.Debugf("No config file at %s, using defaults", path)
			return storageio.DefaultConfig(), nil
		}
		return model.VaultConfig{}, fmt.Errorf("could not load config %s: %w", path, err)
	}

	return cfg, nil
}

func newNotifier(cfg model.VaultConfig, logger log.Logger) (notify.Notifier, error) {
	notifiers := []notify.Notifier{notify.NewLogger(logger)}
	for _, w := range cfg.Webhooks {
		n, err := notify.NewWebhook(notify.WebhookConfig{
			URL:    w.URL,
			Format: notify.WebhookFormat(w.Format),
		})
		if err != nil {
			return nil, fmt.Errorf("could not create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, n)
	}

	return notify.Multi(notifiers...), nil
}

// newExecutor binds the configured actions to their commands. Returns the registry and
// the executor the pipeline uses, the registry wrapped with the execution timeout.
func newExecutor(cfg model.VaultConfig, logger log.Logger) (*executor.Registry, executor.ActionExecutor, error) {
	registry := executor.NewRegistry()
	for _, a := range cfg.Actions {
		env := make([]string, 0, len(a.Env))
		for k, val := range a.Env {
			env = append(env, k+"="+val)
		}

		cmd, err := executor.NewCommand(executor.CommandConfig{
			Command: a.Command,
			Dir:     a.Dir,
			Env:     env,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create %s executor: %w", a.Name, err)
		}

		var e executor.ActionExecutor = cmd
		if cb := cfg.Executor.CircuitBreaker; cb != nil {
			e, err = executor.NewCircuitBreaker(executor.CircuitBreakerConfig{
				FailThreshold:    cb.FailThreshold,
				SuccessThreshold: cb.SuccessThreshold,
				OpenTimeout:      cb.OpenTimeout,
				Logger:           logger,
			}, e)
			if err != nil {
				return nil, nil, fmt.Errorf("could not create %s circuit breaker: %w", a.Name, err)
			}
		}

		if err := registry.Register(a.Name, e); err != nil {
			return nil, nil, fmt.Errorf("could not register %s executor: %w", a.Name, err)
		}
	}

	if len(cfg.Actions) > 0 {
		logger.Debugf("Actions registered: %s", strings.Join(registry.Actions(), ", "))
	}

	return registry, executor.NewTimeout(cfg.Executor.Timeout, registry), nil
}
