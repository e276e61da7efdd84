package alerts

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers alerts to a Telegram chat.
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramChannel authenticates the bot token.
func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

// Name identifies the channel in alert rows.
func (t *TelegramChannel) Name() string { return "telegram" }

// Send pushes one message to the configured chat.
func (t *TelegramChannel) Send(level Level, message string) error {
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("%s: %s", level, message))
	_, err := t.bot.Send(msg)
	return err
}
