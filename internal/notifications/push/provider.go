package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"golang.org/x/time/rate"
)

// ErrTokenInvalid marks a token the provider will never accept again.
var ErrTokenInvalid = errors.New("device token invalid")

// Message is one push notification for a single device.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Provider sends push notifications.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// FCMConfig configures the FCM legacy HTTP provider.
type FCMConfig struct {
	ServerKey     string
	Endpoint      string
	Timeout       time.Duration
	RatePerSecond float64
}

// FCMProvider sends notifications via Firebase Cloud Messaging.
type FCMProvider struct {
	config  FCMConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewFCMProvider creates an FCM provider.
func NewFCMProvider(config FCMConfig) *FCMProvider {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	return &FCMProvider{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Name implements Provider.
func (p *FCMProvider) Name() string { return "fcm" }

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Priority     string            `json:"priority"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send implements Provider.
func (p *FCMProvider) Send(ctx context.Context, msg Message) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", &notifications.NetworkError{Op: "fcm rate wait", Err: err}
	}

	body, err := json.Marshal(fcmRequest{
		To:           msg.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Priority:     "high",
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.config.ServerKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &notifications.NetworkError{Op: "fcm send", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &notifications.ProviderError{Provider: p.Name(), Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var parsed fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &notifications.ProviderError{Provider: p.Name(), Status: http.StatusBadGateway, Message: "decode response: " + err.Error()}
	}
	if len(parsed.Results) == 0 {
		return "", &notifications.ProviderError{Provider: p.Name(), Status: http.StatusBadGateway, Message: "empty result"}
	}

	res := parsed.Results[0]
	switch {
	case res.Error == "":
		return res.MessageID, nil
	case isTokenFatal(res.Error):
		return "", fmt.Errorf("%w: %s", ErrTokenInvalid, res.Error)
	case res.Error == "Unavailable" || res.Error == "InternalServerError":
		return "", &notifications.ProviderError{Provider: p.Name(), Status: http.StatusServiceUnavailable, Message: res.Error}
	default:
		return "", &notifications.ProviderError{Provider: p.Name(), Status: http.StatusUnprocessableEntity, Message: res.Error}
	}
}

func isTokenFatal(code string) bool {
	switch code {
	case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
		return true
	default:
		return false
	}
}
