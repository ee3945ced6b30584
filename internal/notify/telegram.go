package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(botToken, chatID string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	var id int64
	if _, err := fmt.Sscanf(chatID, "%d", &id); err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	return &TelegramChannel{bot: bot, chatID: id}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func telegramIcon(s Severity) string {
	switch s {
	case SeverityError:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	}
	return "✅"
}

func (t *TelegramChannel) Send(_ context.Context, ev Event) error {
	msg := tgbotapi.NewMessage(t.chatID, telegramIcon(ev.Severity)+" "+ev.text())
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}
