package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultUserAgent is sent when no User-Agent is configured.
const DefaultUserAgent = "camera-events/1.0"

// Channel delivers one alert attempt.
type Channel interface {
	Send(ctx context.Context, payload AlertPayload) error
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook channel: non-2xx response %d", e.Code)
}

// WebhookChannel posts alerts as JSON.
type WebhookChannel struct {
	url       string
	userAgent string
	client    *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client. Per-attempt timeouts come from
// the caller's context.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(agent string) WebhookOption {
	return func(ch *WebhookChannel) {
		if agent != "" {
			ch.userAgent = agent
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:       url,
		userAgent: DefaultUserAgent,
		client:    &http.Client{},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts payload once.
func (w *WebhookChannel) Send(ctx context.Context, payload AlertPayload) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
