package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramSender delivers alerts via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the configured chat, title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, t.client, url, payload, "telegram")
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

// postJSON posts a JSON payload and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, tag string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", tag, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", tag, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", tag, resp.StatusCode, string(respBody))
	}
	return nil
}
