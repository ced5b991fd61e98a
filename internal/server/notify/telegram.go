package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramMessage represents Telegram message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// TelegramNotifier sends through the Bot API to every configured chat
type TelegramNotifier struct {
	config *TelegramConfig
	client *http.Client
}

// NewTelegramNotifier creates new Telegram notifier
func NewTelegramNotifier(cfg *TelegramConfig, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{config: cfg, client: newClient(timeout)}
}

// Name implements Notifier
func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify implements Notifier. Every chat is tried; the errors are joined.
func (n *TelegramNotifier) Notify(ctx context.Context, e Event) error {
	text, err := render(e)
	if err != nil {
		return err
	}

	base := n.config.APIURL
	if base == "" {
		base = telegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), n.config.BotToken)

	var errs []error
	for _, chatID := range n.config.ChatIDs {
		msg := TelegramMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"}
		if err := postJSON(ctx, n.client, url, msg, nil); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}
