package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender delivers alerts via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

var _ Sender = (*DiscordSender)(nil)

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the webhook, title in bold. Discord returns 204 on
// success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, "discord")
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
