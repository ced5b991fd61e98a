package notify

import (
	"context"
	"net/http"
	"time"
)

// DiscordMessage represents Discord message
type DiscordMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []DiscordEmbed `json:"embeds"`
}

// DiscordEmbed represents Discord embed
type DiscordEmbed struct {
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

// DiscordNotifier posts to a Discord webhook
type DiscordNotifier struct {
	config *DiscordConfig
	client *http.Client
}

// NewDiscordNotifier creates new Discord notifier
func NewDiscordNotifier(cfg *DiscordConfig, timeout time.Duration) *DiscordNotifier {
	return &DiscordNotifier{config: cfg, client: newClient(timeout)}
}

// Name implements Notifier
func (n *DiscordNotifier) Name() string { return "discord" }

// Notify implements Notifier
func (n *DiscordNotifier) Notify(ctx context.Context, e Event) error {
	text, err := render(e)
	if err != nil {
		return err
	}

	msg := DiscordMessage{
		Username: n.config.Username,
		Embeds: []DiscordEmbed{{
			Description: text,
			Color:       color(e),
			Timestamp:   e.At.Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, n.client, n.config.WebhookURL, msg, nil)
}
