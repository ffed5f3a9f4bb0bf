package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowplane/flowplane/core"
)

// WebhookNotifier POSTs terminal workflow snapshots to caller-supplied
// webhooks. Delivery is best effort: failures are logged, never retried,
// and never affect workflow state.
type WebhookNotifier struct {
	client  *http.Client
	timeout time.Duration
	logger  core.Logger
}

// NewWebhookNotifier creates a notifier with the given delivery timeout.
func NewWebhookNotifier(timeout time.Duration, logger core.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WebhookNotifier{
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Notify delivers one terminal snapshot. Blocking, bounded by the
// configured timeout; callers already run on the workflow's goroutine
// after the terminal transition.
func (n *WebhookNotifier) Notify(url string, snap Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		n.logger.Error("Webhook payload marshal failed", map[string]interface{}{
			"operation":   "notify",
			"workflow_id": snap.WorkflowID,
			"error":       err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Webhook request build failed", map[string]interface{}{
			"operation":   "notify",
			"workflow_id": snap.WorkflowID,
			"error":       err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("Webhook delivery failed", map[string]interface{}{
			"operation":   "notify",
			"workflow_id": snap.WorkflowID,
			"webhook":     url,
			"error":       err.Error(),
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Warn("Webhook rejected notification", map[string]interface{}{
			"operation":   "notify",
			"workflow_id": snap.WorkflowID,
			"webhook":     url,
			"status":      resp.StatusCode,
		})
		return
	}
	n.logger.Debug("Webhook notified", map[string]interface{}{
		"operation":   "notify",
		"workflow_id": snap.WorkflowID,
		"webhook":     url,
	})
}
