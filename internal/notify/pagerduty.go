package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const pagerDutyEndpoint = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel sends Events API v2 alerts. Only error severity
// pages; anything milder is dropped without a send.
type PagerDutyChannel struct {
	routingKey string
	endpoint   string
	client     *http.Client
}

func NewPagerDuty(routingKey string, timeout time.Duration) *PagerDutyChannel {
	return &PagerDutyChannel{
		routingKey: routingKey,
		endpoint:   pagerDutyEndpoint,
		client:     &http.Client{Timeout: timeout},
	}
}

func (p *PagerDutyChannel) Name() string {
	return "pagerduty"
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Timestamp     string            `json:"timestamp,omitempty"`
	Component     string            `json:"component,omitempty"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

func (p *PagerDutyChannel) Send(ctx context.Context, ev Event) error {
	if ev.Severity != SeverityError {
		return nil
	}

	details := make(map[string]string, len(ev.Fields)+1)
	if ev.Message != "" {
		details["message"] = ev.Message
	}
	for _, f := range ev.Fields {
		details[f.Name] = f.Value
	}

	payload := pagerDutyEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    fmt.Sprintf("%s-%s-%s", ev.App, ev.Operation, ev.Host),
		Payload: pagerDutyPayload{
			Summary:       ev.Title(),
			Source:        ev.Host,
			Severity:      "critical",
			Timestamp:     ev.At.Format(time.RFC3339),
			Component:     ev.Operation,
			CustomDetails: details,
		},
	}
	return postJSON(ctx, p.client, p.endpoint, payload)
}
