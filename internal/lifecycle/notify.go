package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StatsNotifier is told when a node's cached indices statistics are stale.
type StatsNotifier interface {
	Invalidate(ctx context.Context, op Operation, node string)
}

// LogNotifier only records the invalidation.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Invalidate(_ context.Context, op Operation, node string) {
	n.logger.Debug("indices statistics marked stale", "node", node, "operation", op)
}

// webhookTimeout bounds one notification request.
const webhookTimeout = 3 * time.Second

// StaleNotice is the body posted to the statistics webhook.
type StaleNotice struct {
	Node      string    `json:"node"`
	Operation Operation `json:"operation"`
	Time      time.Time `json:"time"`
}

// WebhookNotifier posts a StaleNotice to a URL. Failures are logged and
// never fail the lifecycle operation.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "stats_webhook"),
	}
}

func (n *WebhookNotifier) Invalidate(ctx context.Context, op Operation, node string) {
	if err := n.post(ctx, StaleNotice{Node: node, Operation: op, Time: time.Now().UTC()}); err != nil {
		n.logger.Warn("stats webhook failed", "node", node, "operation", op, "error", err)
	}
}

func (n *WebhookNotifier) post(ctx context.Context, notice StaleNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encoding notice: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// NewNotifier returns a webhook notifier when url is set and a log
// notifier otherwise.
func NewNotifier(url string, logger *slog.Logger) StatsNotifier {
	if url == "" {
		return NewLogNotifier(logger)
	}
	return NewWebhookNotifier(url, logger)
}
