// Package alerting fans asynchronous failure events out to notifiers so
// crashes, dead plugins and transport degradation are never silently
// swallowed.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "NodeController/internal/errors"
	"NodeController/pkg/logger"
)

// Channel identifies a notification channel.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event describes one condition worth alerting on.
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Severity   xerrors.Severity  `json:"severity"`
	Message    string            `json:"message"`
	Plugin     string            `json:"plugin,omitempty"`
	Instance   string            `json:"instance,omitempty"`
	Restarts   int               `json:"restarts,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers events on one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events to the configured notifiers.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers every event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a dispatcher over the given notifiers; nil notifiers
// are skipped and a later notifier replaces an earlier one on the same
// channel.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify delivers the event to all notifiers, joining any errors.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var err error
	for _, n := range d.notifiers {
		err = errors.Join(err, n.Notify(ctx, event))
	}
	return err
}

// LogNotifier writes alert events to the audit log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier builds a notifier backed by the audit logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Audit()}
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.log.Warn("alert",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
		slog.String("plugin", event.Plugin),
		slog.String("instance", event.Instance),
		slog.Int("restarts", event.Restarts),
	)
	return nil
}

// WebhookNotifier POSTs alert events as JSON to an operator endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a webhook notifier with a bounded timeout.
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook url cannot be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
