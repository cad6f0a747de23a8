package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hydrowatch/hydrowatch/internal/conf"
)

// WebhookChannel POSTs the JSON payload to a single endpoint.
type WebhookChannel struct {
	name     string
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewWebhookChannel creates the channel. client may be nil.
func NewWebhookChannel(name string, settings conf.ChannelSettings, client *http.Client) (*WebhookChannel, error) {
	u, err := url.Parse(settings.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("channel %s: webhook url must be an absolute http(s) url", name)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{name: name, endpoint: settings.URL, headers: settings.Headers, client: client}, nil
}

func (c *WebhookChannel) Name() string         { return c.name }
func (c *WebhookChannel) Type() string         { return conf.ChannelTypeWebhook }
func (c *WebhookChannel) Recipients() []string { return []string{c.endpoint} }

func (c *WebhookChannel) Send(ctx context.Context, recipient string, msg *Message) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return channelError(fmt.Errorf("encode payload: %w", err), c, recipient)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return channelError(fmt.Errorf("build request: %w", err), c, recipient)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hydrowatch")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return channelError(err, c, recipient)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channelError(fmt.Errorf("webhook returned status %d", resp.StatusCode), c, recipient)
	}
	return nil
}
