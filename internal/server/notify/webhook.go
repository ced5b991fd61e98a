package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Webhook headers
const (
	HeaderEvent     = "X-Cmdrelay-Event"
	HeaderDelivery  = "X-Cmdrelay-Delivery"
	HeaderSignature = "X-Cmdrelay-Signature"
)

// WebhookPayload represents the webhook body
type WebhookPayload struct {
	EventID string `json:"event_id"`
	Event
}

// WebhookNotifier posts events as JSON, signed with HMAC-SHA256 when a
// secret is configured
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates new webhook notifier
func NewWebhookNotifier(cfg *WebhookConfig, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{config: cfg, client: newClient(timeout)}
}

// Name implements Notifier
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier
func (n *WebhookNotifier) Notify(ctx context.Context, e Event) error {
	payload := WebhookPayload{EventID: uuid.NewString(), Event: e}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	headers := make(map[string]string, len(n.config.Headers)+3)
	for k, v := range n.config.Headers {
		headers[k] = v
	}
	headers[HeaderEvent] = string(e.Type)
	headers[HeaderDelivery] = payload.EventID
	if n.config.Secret != "" {
		headers[HeaderSignature] = Sign(data, n.config.Secret)
	}

	return postJSON(ctx, n.client, n.config.URL, data, headers)
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
