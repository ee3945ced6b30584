package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

type slackPayload struct {
	Text        string            `json:"text"`
	Blocks      []slackBlock      `json:"blocks,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackAttachment struct {
	Color  string `json:"color,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

func slackColor(s Severity) string {
	switch s {
	case SeverityError:
		return "#a30200"
	case SeverityWarning:
		return "#daa038"
	}
	return "#2eb886"
}

func (s *SlackChannel) Send(ctx context.Context, ev Event) error {
	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: ev.Title()}},
	}
	if ev.Message != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: ev.Message},
		})
	}
	if len(ev.Fields) > 0 {
		fields := make([]slackText, 0, len(ev.Fields))
		for _, f := range ev.Fields {
			fields = append(fields, slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s*\n%s", f.Name, f.Value),
			})
		}
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}

	payload := slackPayload{
		Text:   ev.Title(),
		Blocks: blocks,
		Attachments: []slackAttachment{
			{Color: slackColor(ev.Severity), Footer: ev.Host, Ts: ev.At.Unix()},
		},
	}
	return postJSON(ctx, s.client, s.webhookURL, payload)
}
