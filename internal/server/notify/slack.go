package notify

import (
	"context"
	"net/http"
	"time"
)

// SlackMessage represents Slack message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []SlackAttachment `json:"attachments"`
}

// SlackAttachment represents Slack attachment
type SlackAttachment struct {
	Color     string `json:"color"`
	Text      string `json:"text"`
	Footer    string `json:"footer"`
	Timestamp int64  `json:"ts"`
}

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	config *SlackConfig
	client *http.Client
}

// NewSlackNotifier creates new SlackNotifier
func NewSlackNotifier(cfg *SlackConfig, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{config: cfg, client: newClient(timeout)}
}

// Name implements Notifier
func (n *SlackNotifier) Name() string { return "slack" }

// Notify implements Notifier
func (n *SlackNotifier) Notify(ctx context.Context, e Event) error {
	text, err := render(e)
	if err != nil {
		return err
	}

	msg := SlackMessage{
		Channel:  n.config.Channel,
		Username: n.config.Username,
		Attachments: []SlackAttachment{{
			Color:     "good",
			Text:      text,
			Footer:    "cmdrelay",
			Timestamp: e.At.Unix(),
		}},
	}
	if e.Type == EventAgentOffline {
		msg.Attachments[0].Color = "danger"
	}

	return postJSON(ctx, n.client, n.config.WebhookURL, msg, nil)
}
