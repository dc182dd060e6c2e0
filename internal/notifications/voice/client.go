package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// ClientConfig addresses the voice call API.
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

// Client calls the voice API. Server errors and connection failures mark it unhealthy
// until a health check succeeds.
type Client struct {
	config  ClientConfig
	http    *http.Client
	healthy atomic.Bool
}

// NewClient creates a voice API client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}
	c := &Client{
		config: config,
		http:   &http.Client{},
	}
	c.healthy.Store(true)
	return c
}

type callRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	AlarmID string `json:"alarm_id,omitempty"`
}

type callResponse struct {
	CallID string `json:"call_id"`
	Error  string `json:"error,omitempty"`
}

// Call places one voice call reading message to phone.
// A caller that cancels or runs out of time does not change the provider health.
func (c *Client) Call(ctx context.Context, phone, message, alarmID string) (string, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body, err := json.Marshal(callRequest{To: phone, Message: message, AlarmID: alarmID})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/calls"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if parent.Err() == nil && !errors.Is(err, context.Canceled) {
			c.markUnhealthy(err)
		}
		return "", &notifications.NetworkError{Op: "voice call", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed callResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			c.markUnhealthy(fmt.Errorf("status %d", resp.StatusCode))
		}
		msg := parsed.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &notifications.ProviderError{Provider: "voice-api", Status: resp.StatusCode, Message: msg}
	}

	return parsed.CallID, nil
}

// CheckHealth queries /health and updates the health flag.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/health"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.markUnhealthy(err)
		return &notifications.NetworkError{Op: "voice health", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := &notifications.ProviderError{Provider: "voice-api", Status: resp.StatusCode, Message: "health check failed"}
		c.markUnhealthy(err)
		return err
	}

	if !c.healthy.Swap(true) {
		slog.Warn("voice provider recovered")
	}
	return nil
}

// Healthy reports the last known provider health.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

func (c *Client) markUnhealthy(err error) {
	if c.healthy.Swap(false) {
		slog.Warn("voice provider marked unhealthy", "error", err)
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}
