// Package notifier delivers batch failure alerts to a webhook. This is the
// alerting side channel at the system boundary: the engine reports outcomes
// here and nothing else.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts alerts to a configured webhook URL. An empty URL disables
// alerting entirely.
type Client struct {
	WebhookURL string
	HTTP       *http.Client
}

// NewClient initializes the webhook integration.
func NewClient(webhookURL string) *Client {
	return &Client{
		WebhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Payload summarizes a batch outcome.
type Payload struct {
	Text         string   `json:"text"`
	FailedScopes []string `json:"failed_scopes,omitempty"`
}

// NotifyFailure sends one alert describing the failed scopes.
func (c *Client) NotifyFailure(ctx context.Context, failed []string) error {
	if c.WebhookURL == "" {
		return nil
	}
	payload := Payload{
		Text:         fmt.Sprintf("range reconciliation: %d scope(s) failed", len(failed)),
		FailedScopes: failed,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status from webhook: %d", resp.StatusCode)
	}
	return nil
}
