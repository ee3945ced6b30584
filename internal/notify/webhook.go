package notify

import (
	"context"
	"net/http"
	"time"
)

// WebhookChannel posts the raw event as JSON to an arbitrary endpoint,
// for shops that feed notifications into their own tooling.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

type webhookEvent struct {
	App       string            `json:"app"`
	Operation string            `json:"operation"`
	Status    string            `json:"status"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message,omitempty"`
	Host      string            `json:"host"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	details := make(map[string]string, len(ev.Fields))
	for _, f := range ev.Fields {
		details[f.Name] = f.Value
	}

	payload := webhookEvent{
		App:       ev.App,
		Operation: ev.Operation,
		Status:    ev.Status,
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Host:      ev.Host,
		Details:   details,
		Timestamp: ev.At.Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload)
}
