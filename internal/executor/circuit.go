package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig is the configuration of the circuit breaker executor.
type CircuitBreakerConfig struct {
	// FailThreshold is the number of consecutive transient failures that open the circuit.
	FailThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open that close the circuit.
	SuccessThreshold int
	// OpenTimeout is the time the circuit stays open before letting a probe call through.
	OpenTimeout time.Duration
	Clock       func() time.Time
	Logger      log.Logger
}

func (c *CircuitBreakerConfig) defaults() error {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "executor.CircuitBreaker"})
	return nil
}

// CircuitBreaker protects a degraded downstream service. While the circuit is open the
// calls fail fast with model.ErrServiceUnavailable so the actions are queued for later
// instead of hammering the service. Only transient failures count.
type CircuitBreaker struct {
	next             ActionExecutor
	failThreshold    int
	successThreshold int
	openTimeout      time.Duration
	clock            func() time.Time
	logger           log.Logger

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewCircuitBreaker wraps an executor with a circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, next ActionExecutor) (*CircuitBreaker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if next == nil {
		return nil, fmt.Errorf("invalid config: next executor is required")
	}

	return &CircuitBreaker{
		next:             next,
		failThreshold:    cfg.FailThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		state:            CircuitClosed,
		lastStateChange:  cfg.Clock(),
	}, nil
}

func (c *CircuitBreaker) Execute(ctx context.Context, req model.ActionRequest) error {
	if !c.allow() {
		return fmt.Errorf("action %q circuit is open: %w", req.Action, model.ErrServiceUnavailable)
	}

	err := c.next.Execute(ctx, req)
	switch model.Classify(err) {
	case model.FailureKindNone:
		c.recordSuccess()
	case model.FailureKindTransient:
		c.recordFailure(req.Action)
	}

	return err
}

// State returns the current circuit state.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.halfOpenIfExpired()
	return c.state
}

func (c *CircuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.halfOpenIfExpired()
	return c.state != CircuitOpen
}

func (c *CircuitBreaker) halfOpenIfExpired() {
	now := c.clock()
	if c.state == CircuitOpen && now.Sub(c.lastStateChange) >= c.openTimeout {
		c.state = CircuitHalfOpen
		c.successes = 0
		c.lastStateChange = now
	}
}

func (c *CircuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitHalfOpen:
		c.successes++
		if c.successes >= c.successThreshold {
			c.state = CircuitClosed
			c.failures = 0
			c.successes = 0
			c.lastStateChange = c.clock()
		}
	case CircuitClosed:
		c.failures = 0
	}
}

func (c *CircuitBreaker) recordFailure(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		c.failures++
		if c.failures >= c.failThreshold {
			c.state = CircuitOpen
			c.lastStateChange = c.clock()
			c.logger.Warningf("Circuit of action %q opened after %d failures", action, c.failures)
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.lastStateChange = c.clock()
		c.logger.Warningf("Circuit of action %q opened again", action)
	}
}
