package io

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/agentvault/internal/model"
)

// ConfigYAMLRepository loads vault configuration from YAML files.
type ConfigYAMLRepository struct {
	fs fs.FS
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(filesystem fs.FS) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{fs: filesystem}
}

// GetConfig loads a vault configuration from a YAML file and returns a validated domain model.
func (r *ConfigYAMLRepository) GetConfig(ctx context.Context, path string) (model.VaultConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.VaultConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.VaultConfig{}, ctx.Err()
	}

	var cfg VaultConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.VaultConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return model.VaultConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg.toModel(), nil
}

// VaultConfig represents the YAML structure for vault configuration.
type VaultConfig struct {
	Intervals     IntervalsConfig     `yaml:"intervals"`
	Retry         RetryConfig         `yaml:"retry"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Actions       []ActionConfig      `yaml:"actions"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	API           APIConfig           `yaml:"api"`
}

// IntervalsConfig represents the YAML structure for the periodic loops intervals.
type IntervalsConfig struct {
	Poll          time.Duration `yaml:"poll"`
	ApprovalSweep time.Duration `yaml:"approval_sweep"`
	Retry         time.Duration `yaml:"retry"`
	Watchdog      time.Duration `yaml:"watchdog"`
}

// RetryConfig represents the YAML structure for the retry queue configuration.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
	Workers    int           `yaml:"workers"`
}

// ExecutorConfig represents the YAML structure for the executor configuration.
type ExecutorConfig struct {
	Timeout          time.Duration         `yaml:"timeout"`
	DefaultAction    string                `yaml:"default_action"`
	SensitiveActions *[]string             `yaml:"sensitive_actions"`
	CircuitBreaker   *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig represents the YAML structure for circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailThreshold    int           `yaml:"fail_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ActionConfig represents the YAML structure for an action command binding.
type ActionConfig struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// WatchdogConfig represents the YAML structure for watchdog configuration.
type WatchdogConfig struct {
	RestartBackoff time.Duration   `yaml:"restart_backoff"`
	StableAfter    time.Duration   `yaml:"stable_after"`
	EscalateAfter  int             `yaml:"escalate_after"`
	Processes      []ProcessConfig `yaml:"processes"`
}

// ProcessConfig represents the YAML structure for a supervised process.
type ProcessConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	PIDFile string   `yaml:"pid_file"`
}

// NotificationsConfig represents the YAML structure for notifications configuration.
type NotificationsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig represents the YAML structure for a webhook notification.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"`
}

// AuditConfig represents the YAML structure for audit configuration.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// APIConfig represents the YAML structure for the HTTP API configuration.
type APIConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

func (c VaultConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"intervals.poll":           c.Intervals.Poll,
		"intervals.approval_sweep": c.Intervals.ApprovalSweep,
		"intervals.retry":          c.Intervals.Retry,
		"intervals.watchdog":       c.Intervals.Watchdog,
		"retry.base_delay":         c.Retry.BaseDelay,
		"retry.max_delay":          c.Retry.MaxDelay,
		"executor.timeout":         c.Executor.Timeout,
		"watchdog.restart_backoff": c.Watchdog.RestartBackoff,
		"watchdog.stable_after":    c.Watchdog.StableAfter,
	} {
		if d < 0 {
			return fmt.Errorf("%s can't be negative, got: %s", name, d)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries can't be negative, got: %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay can't be lower than retry.base_delay")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days can't be negative, got: %d", c.Audit.RetentionDays)
	}

	if cb := c.Executor.CircuitBreaker; cb != nil {
		if cb.FailThreshold < 0 || cb.SuccessThreshold < 0 || cb.OpenTimeout < 0 {
			return fmt.Errorf("executor.circuit_breaker values can't be negative")
		}
	}

	actions := map[string]bool{}
	for i, a := range c.Actions {
		if a.Name == "" {
			return fmt.Errorf("actions[%d]: name is required", i)
		}
		if len(a.Command) == 0 {
			return fmt.Errorf("action %q: command is required", a.Name)
		}
		if actions[a.Name] {
			return fmt.Errorf("action %q: duplicated", a.Name)
		}
		actions[a.Name] = true
	}

	processes := map[string]bool{}
	for i, p := range c.Watchdog.Processes {
		if p.Name == "" {
			return fmt.Errorf("watchdog.processes[%d]: name is required", i)
		}
		if len(p.Command) == 0 {
			return fmt.Errorf("process %q: command is required", p.Name)
		}
		if processes[p.Name] {
			return fmt.Errorf("process %q: duplicated", p.Name)
		}
		processes[p.Name] = true
	}

	for i, w := range c.Notifications.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("notifications.webhooks[%d]: invalid url %q", i, w.URL)
		}
		switch w.Format {
		case "", "slack", "discord":
		default:
			return fmt.Errorf("notifications.webhooks[%d]: unknown format %q", i, w.Format)
		}
	}

	return nil
}

func (c VaultConfig) toModel() model.VaultConfig {
	cfg := model.VaultConfig{
		PollInterval:          c.Intervals.Poll,
		ApprovalSweepInterval: c.Intervals.ApprovalSweep,
		RetryInterval:         c.Intervals.Retry,
		WatchdogInterval:      c.Intervals.Watchdog,
		Retry: model.RetryPolicy{
			BaseDelay:  c.Retry.BaseDelay,
			MaxDelay:   c.Retry.MaxDelay,
			MaxRetries: c.Retry.MaxRetries,
			Workers:    c.Retry.Workers,
		},
		Executor: model.ExecutorConfig{
			Timeout:          c.Executor.Timeout,
			DefaultAction:    c.Executor.DefaultAction,
			SensitiveActions: model.DefaultSensitiveActions,
		},
		Watchdog: model.WatchdogConfig{
			RestartBackoff: c.Watchdog.RestartBackoff,
			StableAfter:    c.Watchdog.StableAfter,
			EscalateAfter:  c.Watchdog.EscalateAfter,
		},
		AuditRetentionDays: c.Audit.RetentionDays,
		APIListenAddress:   c.API.ListenAddress,
	}

	// An explicit empty list means nothing needs approval.
	if c.Executor.SensitiveActions != nil {
		cfg.Executor.SensitiveActions = *c.Executor.SensitiveActions
	}
	if cfg.AuditRetentionDays == 0 {
		cfg.AuditRetentionDays = model.DefaultAuditRetentionDays
	}

	if cb := c.Executor.CircuitBreaker; cb != nil {
		cfg.Executor.CircuitBreaker = &model.CircuitBreakerConfig{
			FailThreshold:    cb.FailThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			OpenTimeout:      cb.OpenTimeout,
		}
	}

	for _, a := range c.Actions {
		cfg.Actions = append(cfg.Actions, model.ActionBinding{
			Name:    a.Name,
			Command: a.Command,
			Dir:     a.Dir,
			Env:     a.Env,
		})
	}

	for _, p := range c.Watchdog.Processes {
		pidFile := p.PIDFile
		if pidFile == "" {
			pidFile = p.Name + ".pid"
		}
		cfg.Watchdog.Processes = append(cfg.Watchdog.Processes, model.SupervisedProcess{
			Name:    p.Name,
			Command: p.Command,
			PIDFile: pidFile,
		})
	}

	for _, w := range c.Notifications.Webhooks {
		format := w.Format
		if format == "" {
			format = "slack"
		}
		cfg.Webhooks = append(cfg.Webhooks, model.WebhookConfig{URL: w.URL, Format: format})
	}

	return cfg
}

// DefaultConfig returns the configuration used when a vault has no config file.
func DefaultConfig() model.VaultConfig {
	return VaultConfig{}.toModel()
}
