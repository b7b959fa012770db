package notify

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"pricewatch/internal/model"
)

// TelegramSender delivers trigger notifications to a telegram chat.
type TelegramSender struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*TelegramSender, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chatID: chatID}, nil
}

func (t *TelegramSender) Channel() string { return "telegram" }

func (t *TelegramSender) Send(_ context.Context, e model.NotificationEvent) error {
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, formatEvent(e), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}

func formatEvent(e model.NotificationEvent) string {
	switch e.Kind {
	case model.WatchRestock:
		return fmt.Sprintf("Back in stock: product %s is available again at %.2f", e.ProductID, e.NewPrice)
	default:
		return fmt.Sprintf("Price drop: product %s fell from %.2f to %.2f (save %.2f)",
			e.ProductID, e.OldPrice, e.NewPrice, e.Savings)
	}
}
