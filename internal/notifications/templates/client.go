// Package templates renders alarm messages through the external template service.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// ErrTemplateNotFound is returned when the service has no template for the channel and alarm type.
var ErrTemplateNotFound = errors.New("template not found")

// Client renders templates via POST {base}/v1/templates/{channel}/{alarm_type}/render.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a template service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type renderRequest struct {
	Alarm domain.Alarm `json:"alarm"`
}

type renderResponse struct {
	Data *struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	} `json:"data"`
	Error string `json:"error"`
}

// Render implements notifications.TemplateRenderer.
func (c *Client) Render(ctx context.Context, channel domain.ChannelType, alarmType string, alarm domain.Alarm) (notifications.Content, error) {
	path := fmt.Sprintf("%s/v1/templates/%s/%s/render",
		c.baseURL,
		url.PathEscape(string(channel)),
		url.PathEscape(alarmType),
	)

	body, err := json.Marshal(renderRequest{Alarm: alarm})
	if err != nil {
		return notifications.Content{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return notifications.Content{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return notifications.Content{}, fmt.Errorf("render template: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return notifications.Content{}, ErrTemplateNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return notifications.Content{}, fmt.Errorf("template service returned %d", resp.StatusCode)
	}

	var envelope renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return notifications.Content{}, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Data == nil {
		return notifications.Content{}, fmt.Errorf("template service error: %s", envelope.Error)
	}

	return notifications.Content{Subject: envelope.Data.Subject, Body: envelope.Data.Body}, nil
}
