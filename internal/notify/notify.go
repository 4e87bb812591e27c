// Package notify sends human-facing notifications about events that need attention.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slok/agentvault/internal/log"
)

//go:generate mockery --case underscore --output notifymock --outpkg notifymock --structname MockNotifier --name Notifier

// Notifier sends a text notification to a channel.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Noop is a notifier that drops every message.
const Noop = noop(0)

type noop int

func (noop) Notify(context.Context, string) error { return nil }

// NotifierFunc is a helper to use functions as notifiers.
type NotifierFunc func(ctx context.Context, msg string) error

func (f NotifierFunc) Notify(ctx context.Context, msg string) error { return f(ctx, msg) }

// NewLogger returns a notifier that writes the messages in the logger.
func NewLogger(logger log.Logger) Notifier {
	if logger == nil {
		logger = log.Noop
	}
	logger = logger.WithValues(log.Kv{"svc": "notify.Logger"})

	return NotifierFunc(func(ctx context.Context, msg string) error {
		logger.WithCtxValues(ctx).Warningf("Notification: %s", msg)
		return nil
	})
}

// WebhookFormat is the payload format of a chat webhook.
type WebhookFormat string

const (
	WebhookFormatSlack   WebhookFormat = "slack"
	WebhookFormatDiscord WebhookFormat = "discord"
)

const discordMaxContent = 2000

// WebhookConfig is the configuration of a webhook notifier.
type WebhookConfig struct {
	URL     string
	Format  WebhookFormat
	Timeout time.Duration
	// HTTPClient is optional, a client with Timeout is used when missing.
	HTTPClient *http.Client
}

func (c *WebhookConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Format == "" {
		c.Format = WebhookFormatSlack
	}
	if c.Format != WebhookFormatSlack && c.Format != WebhookFormatDiscord {
		return fmt.Errorf("unknown webhook format %q", c.Format)
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// Webhook posts the notifications to chat incoming webhooks.
type Webhook struct {
	url    string
	format WebhookFormat
	client *http.Client
}

// NewWebhook returns a new webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Webhook{
		url:    cfg.URL,
		format: cfg.Format,
		client: cfg.HTTPClient,
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, msg string) error {
	var payload map[string]string
	switch w.format {
	case WebhookFormatDiscord:
		if r := []rune(msg); len(r) > discordMaxContent {
			msg = string(r[:discordMaxContent-3]) + "..."
		}
		payload = map[string]string{"content": msg}
	default:
		payload = map[string]string{"text": msg}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", w.format, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s webhook: HTTP %d", w.format, resp.StatusCode)
	}

	return nil
}

// Multi fans out the notifications to all the notifiers. Every notifier is
// called even if others fail, the failures are joined.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, msg string) error {
		var errs []error
		for _, n := range notifiers {
			if err := n.Notify(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
