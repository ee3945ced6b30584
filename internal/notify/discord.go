package notify

import (
	"context"
	"net/http"
	"time"
)

type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string, timeout time.Duration) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func discordColor(s Severity) int {
	switch s {
	case SeverityError:
		return 0xE74C3C
	case SeverityWarning:
		return 0xE67E22
	}
	return 0x2ECC71
}

func (d *DiscordChannel) Send(ctx context.Context, ev Event) error {
	fields := make([]discordEmbedField, 0, len(ev.Fields))
	for _, f := range ev.Fields {
		fields = append(fields, discordEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}

	payload := discordPayload{
		Username: ev.App,
		Embeds: []discordEmbed{
			{
				Title:       ev.Title(),
				Description: ev.Message,
				Color:       discordColor(ev.Severity),
				Timestamp:   ev.At.Format(time.RFC3339),
				Footer:      &discordEmbedFooter{Text: ev.Host},
				Fields:      fields,
			},
		},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload)
}
