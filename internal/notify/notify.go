// Package notify pushes operational events to an external alerting channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"replywatch/internal/models"
)

// Notifier receives events that need human attention: high/critical
// anomalies and dead letters flagged for manual review.
type Notifier interface {
	AnomalyRaised(ctx context.Context, a models.Anomaly) error
	JobDeadLettered(ctx context.Context, e models.DeadLetterEntry) error
}

// LogNotifier is the fallback channel when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) AnomalyRaised(_ context.Context, a models.Anomaly) error {
	log.Printf("ALERT anomaly type=%s severity=%s mailbox=%s job=%s", a.Type, a.Severity, a.Mailbox, a.JobID)
	return nil
}

func (LogNotifier) JobDeadLettered(_ context.Context, e models.DeadLetterEntry) error {
	log.Printf("ALERT dead-letter id=%s job=%s message=%s attempts=%d error=%q",
		e.ID, e.JobID, e.MessageID, e.TotalAttempts, e.LastError)
	return nil
}

// WebhookNotifier POSTs event JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) AnomalyRaised(ctx context.Context, a models.Anomaly) error {
	return n.post(ctx, map[string]any{"event": "anomaly_raised", "anomaly": a})
}

func (n *WebhookNotifier) JobDeadLettered(ctx context.Context, e models.DeadLetterEntry) error {
	return n.post(ctx, map[string]any{"event": "job_dead_lettered", "dead_letter": e})
}

func (n *WebhookNotifier) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// New picks a webhook channel when a URL is configured, log output
// otherwise.
func New(webhookURL string) Notifier {
	if webhookURL != "" {
		return NewWebhookNotifier(webhookURL)
	}
	return LogNotifier{}
}
