package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureHeader carries the body signature when a secret is configured.
const SignatureHeader = "X-Signature-256"

// Webhook posts the notification as JSON to a generic endpoint.
type Webhook struct {
	endpoint
	secret string
}

// webhookEvent is the generic webhook body.
type webhookEvent struct {
	Service string `json:"service"`
	*Notification
}

// NewWebhook creates a generic webhook notifier. A non-empty secret signs
// each body with HMAC-SHA256.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{endpoint: newEndpoint("webhook", url), secret: secret}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(webhookEvent{Service: "newsledger", Notification: n})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var header map[string]string
	if w.secret != "" {
		header = map[string]string{SignatureHeader: "sha256=" + Sign(w.secret, body)}
	}
	return w.post(ctx, body, header)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
