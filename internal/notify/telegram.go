package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBroadcaster posts outcome lines to a Telegram chat.
type TelegramBroadcaster struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramBroadcaster creates a broadcaster for the given bot token and
// chat ID.
func NewTelegramBroadcaster(botToken string, chatID int64) (*TelegramBroadcaster, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("initializing Telegram bot: %w", err)
	}
	return &TelegramBroadcaster{api: api, chatID: chatID}, nil
}

func (b *TelegramBroadcaster) Name() string { return "telegram" }

func (b *TelegramBroadcaster) Broadcast(ctx context.Context, text string) error {
	_, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text))
	return err
}
