package model

import "time"

// VaultConfig is the runtime configuration of a vault. Zero durations and counts
// mean the component default.
type VaultConfig struct {
	PollInterval          time.Duration
	ApprovalSweepInterval time.Duration
	RetryInterval         time.Duration
	WatchdogInterval      time.Duration

	Retry    RetryPolicy
	Executor ExecutorConfig
	Actions  []ActionBinding
	Watchdog WatchdogConfig
	Webhooks []WebhookConfig

	AuditRetentionDays int
	// APIListenAddress enables the HTTP API when set.
	APIListenAddress string
}

// RetryPolicy is the retry queue backoff policy.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Workers    int
}

// ExecutorConfig configures how actions are planned and executed.
type ExecutorConfig struct {
	Timeout          time.Duration
	DefaultAction    string
	SensitiveActions []string
	// CircuitBreaker is nil when actions are not protected by a circuit breaker.
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig configures the per action circuit breakers.
type CircuitBreakerConfig struct {
	FailThreshold    int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// ActionBinding binds an action name to the external command that performs it.
type ActionBinding struct {
	Name    string
	Command []string
	Dir     string
	Env     map[string]string
}

// WatchdogConfig configures the process supervision.
type WatchdogConfig struct {
	RestartBackoff time.Duration
	StableAfter    time.Duration
	EscalateAfter  int
	Processes      []SupervisedProcess
}

// WebhookConfig is a chat webhook that receives the vault notifications.
type WebhookConfig struct {
	URL    string
	Format string
}

// DefaultSensitiveActions are the actions that need approval when not configured.
var DefaultSensitiveActions = []string{AuditActionEmailSend, AuditActionPayment}

// DefaultAuditRetentionDays is the audit retention when not configured.
const DefaultAuditRetentionDays = 90
