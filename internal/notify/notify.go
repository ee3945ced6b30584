package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/perimetra/salvor/internal/config"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Field is one labelled detail rendered by every channel, in order.
type Field struct {
	Name  string
	Value string
}

// Event describes the outcome of one operation run.
type Event struct {
	App       string
	Operation string
	Status    string
	Severity  Severity
	Message   string
	Host      string
	Fields    []Field
	At        time.Time
}

// Title renders the one-line summary shared by all channels.
func (e Event) Title() string {
	return fmt.Sprintf("%s %s %s on %s", e.App, e.Operation, e.Status, e.Host)
}

func (e Event) text() string {
	var b strings.Builder
	b.WriteString(e.Title())
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Channel posts one event to a single destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// Notifier fans events out to every configured channel. Sends are
// best-effort: failures are logged and never propagate to the run.
type Notifier struct {
	channels []Channel
	timeout  time.Duration
	log      Logger
}

// New assembles the channel list from config. A channel that cannot be
// constructed is skipped with a warning rather than failing the run.
func New(cfg *config.NotifyConfig, log Logger) *Notifier {
	n := &Notifier{timeout: cfg.Timeout, log: log}
	if n.timeout <= 0 {
		n.timeout = 15 * time.Second
	}

	if cfg.SlackWebhookURL != "" {
		n.channels = append(n.channels, NewSlack(cfg.SlackWebhookURL, n.timeout))
	}
	if cfg.DiscordWebhookURL != "" {
		n.channels = append(n.channels, NewDiscord(cfg.DiscordWebhookURL, n.timeout))
	}
	if cfg.PagerDutyKey != "" {
		n.channels = append(n.channels, NewPagerDuty(cfg.PagerDutyKey, n.timeout))
	}
	if cfg.WebhookURL != "" {
		n.channels = append(n.channels, NewWebhook(cfg.WebhookURL, n.timeout))
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		tg, err := NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Warnf("telegram channel disabled: %v", err)
		} else {
			n.channels = append(n.channels, tg)
		}
	}
	return n
}

// Channels reports the names of the active channels.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify posts the event to all channels concurrently and waits for
// them. Each send is bounded by its own timeout.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if len(n.channels) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range n.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, ev); err != nil {
				n.log.Warnf("notification via %s failed: %v", ch.Name(), err)
				return
			}
			n.log.Debugf("notification sent via %s", ch.Name())
		}(ch)
	}
	wg.Wait()
}
