package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/executor"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/notify"
)

// Backoff returns the delay before the retry of an action that failed attempt times:
// min(base * 2^attempt, maxDelay).
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}

	return d
}

// Settler is told when a queued action reaches a final outcome. A nil error means the
// action succeeded, otherwise it has been quarantined with that error.
type Settler interface {
	Settled(ctx context.Context, a model.QueuedAction, err error)
}

// SettlerFunc is a helper to use functions as settlers.
type SettlerFunc func(ctx context.Context, a model.QueuedAction, err error)

func (f SettlerFunc) Settled(ctx context.Context, a model.QueuedAction, err error) { f(ctx, a, err) }

var noopSettler = SettlerFunc(func(context.Context, model.QueuedAction, error) {})

// ProcessorConfig is the configuration of the queue processor.
type ProcessorConfig struct {
	Store    *Store
	Executor executor.ActionExecutor
	Recorder audit.Recorder
	// Notifier is told about every quarantined action.
	Notifier notify.Notifier
	Settler  Settler
	// BaseDelay is the retry backoff base delay.
	BaseDelay time.Duration
	// MaxDelay is the retry backoff max delay.
	MaxDelay time.Duration
	// MaxRetries is the number of failed retries after which an action is quarantined.
	MaxRetries int
	// Workers is the max number of actions executed concurrently.
	Workers int
	Clock   func() time.Time
	Logger  log.Logger
}

func (c *ProcessorConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Recorder == nil {
		c.Recorder = audit.NoopRecorder
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.Settler == nil {
		c.Settler = noopSettler
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay can't be lower than base delay")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Processor"})
	return nil
}

// Processor retries the queued actions that are due.
type Processor struct {
	store      *Store
	exec       executor.ActionExecutor
	recorder   audit.Recorder
	notifier   notify.Notifier
	settler    Settler
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	workers    int
	clock      func() time.Time
	logger     log.Logger
}

// NewProcessor returns a new queue processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Processor{
		store:      cfg.Store,
		exec:       cfg.Executor,
		recorder:   cfg.Recorder,
		notifier:   cfg.Notifier,
		settler:    cfg.Settler,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		maxRetries: cfg.MaxRetries,
		workers:    cfg.Workers,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Backoff returns the retry delay after the attempt.
func (p *Processor) Backoff(attempt int) time.Duration {
	return Backoff(p.baseDelay, p.maxDelay, attempt)
}

// Schedule queues an action that failed with a transient error for a later retry.
func (p *Processor) Schedule(ctx context.Context, req model.ActionRequest, cause error) (*model.QueuedAction, error) {
	now := p.clock().UTC()
	a := model.QueuedAction{
		Task:          req.Task,
		Action:        req.Action,
		Args:          req.Args,
		Kwargs:        req.Kwargs,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(p.Backoff(0)),
	}
	if cause != nil {
		a.LastError = cause.Error()
	}

	queued, err := p.store.Enqueue(ctx, a)

	rec := model.AuditRecord{
		ActionType: model.AuditActionQueueEnqueue,
		Actor:      model.ActorSystem,
		Target:     targetOf(a),
		Parameters: map[string]string{"function": a.Action, "last_error": a.LastError},
		Result:     model.AuditResultSuccess,
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	} else {
		rec.Parameters["id"] = queued.ID
	}
	p.record(ctx, rec)

	if err != nil {
		return nil, fmt.Errorf("could not enqueue action: %w", err)
	}

	p.logger.Infof("Action %q queued for retry: %s (next attempt: %s)", a.Action, queued.ID, queued.NextAttemptAt.Format(time.RFC3339))
	return queued, nil
}

// ProcessResult is the summary of a processing round.
type ProcessResult struct {
	Succeeded   int
	Retried     int
	Quarantined int
}

// ProcessDue executes every due action, oldest first, with bounded concurrency. Actions
// claimed by other workers are skipped.
func (p *Processor) ProcessDue(ctx context.Context) (ProcessResult, error) {
	due, err := p.store.Due(ctx)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("could not list due actions: %w", err)
	}

	var (
		mu  sync.Mutex
		res ProcessResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, a := range due {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			outcome, err := p.process(gctx, a.ID)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSucceeded:
				res.Succeeded++
			case outcomeRetried:
				res.Retried++
			case outcomeQuarantined:
				res.Quarantined++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}

	return res, ctx.Err()
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeRetried
	outcomeQuarantined
)

func (p *Processor) process(ctx context.Context, id string) (outcome, error) {
	a, err := p.store.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrStateConflict) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	logger := p.logger.WithValues(log.Kv{"queued-action": a.ID, "action": a.Action})

	execErr := p.exec.Execute(ctx, a.Request())
	p.recordAttempt(ctx, *a, execErr)

	if execErr == nil {
		if err := p.store.Complete(ctx, a.ID); err != nil {
			return outcomeSkipped, err
		}
		logger.Infof("Queued action succeeded after %d retries", a.RetryCount)
		p.settler.Settled(ctx, *a, nil)
		return outcomeSucceeded, nil
	}

	a.RetryCount++
	a.LastError = execErr.Error()

	kind := model.Classify(execErr)
	if kind == model.FailureKindTransient && a.RetryCount < p.maxRetries {
		a.NextAttemptAt = p.clock().UTC().Add(p.Backoff(a.RetryCount))
		if err := p.store.Reschedule(ctx, *a); err != nil {
			return outcomeSkipped, err
		}
		logger.Warningf("Queued action failed (retry %d/%d), next attempt at %s: %s", a.RetryCount, p.maxRetries, a.NextAttemptAt.Format(time.RFC3339), execErr)
		return outcomeRetried, nil
	}

	q, err := p.store.Quarantine(ctx, *a)
	if err != nil {
		return outcomeSkipped, err
	}

	p.record(ctx, model.AuditRecord{
		ActionType: model.AuditActionQueueQuarantine,
		Actor:      model.ActorSystem,
		Target:     targetOf(*q),
		Parameters: map[string]string{
			"id":          q.ID,
			"function":    q.Action,
			"retry_count": strconv.Itoa(q.RetryCount),
			"kind":        string(kind),
		},
		Result: model.AuditResultFailed,
		Error:  q.LastError,
	})

	msg := fmt.Sprintf("Action %q of task %q quarantined after %d attempts (id: %s): %s", q.Action, q.Task, q.RetryCount, q.ID, q.LastError)
	if err := p.notifier.Notify(ctx, msg); err != nil {
		logger.Errorf("Could not notify quarantined action: %s", err)
	}

	logger.Errorf("Queued action quarantined: %s", execErr)
	p.settler.Settled(ctx, *q, execErr)
	return outcomeQuarantined, nil
}

// Pending returns the actions of a task that are still queued, claimed or quarantined.
func (p *Processor) Pending(ctx context.Context, task string) ([]model.QueuedAction, error) {
	return p.store.ForTask(ctx, task)
}

// Requeue moves a quarantined action back to the queue.
func (p *Processor) Requeue(ctx context.Context, id string) (*model.QueuedAction, error) {
	a, err := p.store.Requeue(ctx, id)

	rec := model.AuditRecord{
		ActionType: model.AuditActionQueueRequeue,
		Actor:      model.ActorSystem,
		Target:     id,
		Parameters: map[string]string{"id": id},
		Result:     model.AuditResultSuccess,
	}
	if a != nil {
		rec.Target = targetOf(*a)
		rec.Parameters["function"] = a.Action
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	}
	p.record(ctx, rec)

	if err != nil {
		return nil, fmt.Errorf("could not requeue action: %w", err)
	}

	return a, nil
}

func (p *Processor) recordAttempt(ctx context.Context, a model.QueuedAction, err error) {
	rec := model.AuditRecord{
		ActionType: model.AuditActionQueueRetry,
		Actor:      model.ActorSystem,
		Target:     targetOf(a),
		Parameters: map[string]string{
			"id":          a.ID,
			"function":    a.Action,
			"retry_count": strconv.Itoa(a.RetryCount),
		},
		Result: model.AuditResultSuccess,
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	}
	p.record(ctx, rec)
}

func (p *Processor) record(ctx context.Context, rec model.AuditRecord) {
	if err := p.recorder.Record(ctx, rec); err != nil {
		p.logger.Errorf("Could not record queue audit: %s", err)
	}
}

func targetOf(a model.QueuedAction) string {
	if a.Task != "" {
		return a.Task
	}
	return a.Action
}

// Run processes the due actions on every interval until the context is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive: %w", model.ErrNotValid)
	}
	p.logger.Infof("Processing retry queue every %s", interval)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		res, err := p.ProcessDue(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Errorf("Could not process retry queue: %s", err)
		case res.Succeeded+res.Retried+res.Quarantined > 0:
			p.logger.Infof("Retry queue processed: %d succeeded, %d retried, %d quarantined", res.Succeeded, res.Retried, res.Quarantined)
		}

		select {
		case <-ctx.Done():
			p.logger.Infof("Retry processor stopped")
			return nil
		case <-t.C:
		}
	}
}
