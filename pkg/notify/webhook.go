package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/OpenCHAMI/upsmon/pkg/client"
)

// Webhook posts {"text": message} to an incoming-webhook URL (Slack,
// Mattermost and friends all accept this shape).
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string, c *http.Client) *Webhook {
	return &Webhook{URL: url, Client: c}
}

func (w *Webhook) Notify(ctx context.Context, message string) error {
	body, err := encode(message)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	headers := client.HTTPHeader{}.ContentType("application/json")
	res, resBody, err := client.MakeRequest(ctx, w.Client, w.URL, http.MethodPost, body, headers)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	if !client.StatusOK(res) {
		return fmt.Errorf("webhook returned %d: %s", res.StatusCode, string(resBody))
	}
	return nil
}
