package io

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/model"
)

func TestConfigYAMLRepository_GetConfig(t *testing.T) {
	tests := map[string]struct {
		fs     fstest.MapFS
		path   string
		expCfg model.VaultConfig
		expErr bool
		errMsg string
	}{
		"Empty config should load the defaults": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("---\n")},
			},
			path: "agentvault.yaml",
			expCfg: model.VaultConfig{
				Executor: model.ExecutorConfig{
					SensitiveActions: []string{"email_send", "payment"},
				},
				AuditRetentionDays: 90,
			},
		},
		"Full config should load successfully": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{
					Data: []byte(`
intervals:
  poll: 2s
  approval_sweep: 5s
  retry: 1s
  watchdog: 30s
retry:
  base_delay: 1s
  max_delay: 1m
  max_retries: 3
  workers: 2
executor:
  timeout: 30s
  default_action: summarize
  sensitive_actions: [payment, x_post]
  circuit_breaker:
    fail_threshold: 5
    success_threshold: 2
    open_timeout: 30s
actions:
  - name: email_send
    command: ["python3", "send_email.py"]
    dir: /opt/integrations
    env:
      SMTP_HOST: localhost
watchdog:
  restart_backoff: 10s
  escalate_after: 3
  processes:
    - name: gmail_watcher
      command: ["python3", "gmail_watcher.py"]
    - name: orchestrator
      command: ["agentvault", "run"]
      pid_file: orch.pid
notifications:
  webhooks:
    - url: https://hooks.slack.com/services/x
    - url: https://discord.com/api/webhooks/y
      format: discord
audit:
  retention_days: 30
api:
  listen_address: 127.0.0.1:8080
`),
				},
			},
			path: "agentvault.yaml",
			expCfg: model.VaultConfig{
				PollInterval:          2 * time.Second,
				ApprovalSweepInterval: 5 * time.Second,
				RetryInterval:         time.Second,
				WatchdogInterval:      30 * time.Second,
				Retry: model.RetryPolicy{
					BaseDelay:  time.Second,
					MaxDelay:   time.Minute,
					MaxRetries: 3,
					Workers:    2,
				},
				Executor: model.ExecutorConfig{
					Timeout:          30 * time.Second,
					DefaultAction:    "summarize",
					SensitiveActions: []string{"payment", "x_post"},
					CircuitBreaker: &model.CircuitBreakerConfig{
						FailThreshold:    5,
						SuccessThreshold: 2,
						OpenTimeout:      30 * time.Second,
					},
				},
				Actions: []model.ActionBinding{
					{
						Name:    "email_send",
						Command: []string{"python3", "send_email.py"},
						Dir:     "/opt/integrations",
						Env:     map[string]string{"SMTP_HOST": "localhost"},
					},
				},
				Watchdog: model.WatchdogConfig{
					RestartBackoff: 10 * time.Second,
					EscalateAfter:  3,
					Processes: []model.SupervisedProcess{
						{Name: "gmail_watcher", Command: []string{"python3", "gmail_watcher.py"}, PIDFile: "gmail_watcher.pid"},
						{Name: "orchestrator", Command: []string{"agentvault", "run"}, PIDFile: "orch.pid"},
					},
				},
				Webhooks: []model.WebhookConfig{
					{URL: "https://hooks.slack.com/services/x", Format: "slack"},
					{URL: "https://discord.com/api/webhooks/y", Format: "discord"},
				},
				AuditRetentionDays: 30,
				APIListenAddress:   "127.0.0.1:8080",
			},
		},
		"Empty sensitive actions should disable approvals": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("executor:\n  sensitive_actions: []\n")},
			},
			path: "agentvault.yaml",
			expCfg: model.VaultConfig{
				Executor:           model.ExecutorConfig{SensitiveActions: []string{}},
				AuditRetentionDays: 90,
			},
		},
		"Missing file should return error": {
			fs:     fstest.MapFS{},
			path:   "nonexistent.yaml",
			expErr: true,
			errMsg: "reading config file",
		},
		"Invalid YAML should return error": {
			fs: fstest.MapFS{
				"invalid.yaml": &fstest.MapFile{Data: []byte(`invalid: yaml: content: {}`)},
			},
			path:   "invalid.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},
		"Invalid duration should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("intervals:\n  poll: soon\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},
		"Negative duration should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("intervals:\n  poll: -1s\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: "intervals.poll can't be negative",
		},
		"Max delay lower than base delay should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("retry:\n  base_delay: 10s\n  max_delay: 1s\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: "retry.max_delay can't be lower",
		},
		"Action without command should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("actions:\n  - name: payment\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: `action "payment": command is required`,
		},
		"Duplicated process should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte(`
watchdog:
  processes:
    - name: w
      command: [a]
    - name: w
      command: [b]
`)},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: `process "w": duplicated`,
		},
		"Unknown webhook format should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("notifications:\n  webhooks:\n    - url: https://x.io/h\n      format: teams\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: `unknown format "teams"`,
		},
		"Webhook without url should return error": {
			fs: fstest.MapFS{
				"agentvault.yaml": &fstest.MapFile{Data: []byte("notifications:\n  webhooks:\n    - format: slack\n")},
			},
			path:   "agentvault.yaml",
			expErr: true,
			errMsg: "invalid url",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo := NewConfigYAMLRepository(test.fs)
			cfg, err := repo.GetConfig(context.Background(), test.path)

			if test.expErr {
				require.Error(t, err)
				if test.errMsg != "" {
					assert.Contains(t, err.Error(), test.errMsg)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expCfg, cfg)
		})
	}
}

func TestConfigYAMLRepository_GetConfigCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := NewConfigYAMLRepository(fstest.MapFS{"c.yaml": &fstest.MapFile{Data: []byte("---\n")}})
	_, err := repo.GetConfig(ctx, "c.yaml")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 90, cfg.AuditRetentionDays)
	assert.Equal(t, []string{"email_send", "payment"}, cfg.Executor.SensitiveActions)
	assert.Empty(t, cfg.APIListenAddress)
}
