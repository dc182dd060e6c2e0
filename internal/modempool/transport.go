package modempool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/google/uuid"
)

// Transport talks to modem gateways.
type Transport interface {
	Send(ctx context.Context, modem domain.Modem, phone, message string) (messageID string, err error)
	Status(ctx context.Context, modem domain.Modem) error
}

// HTTPTransport drives modem gateways over their HTTP API:
// POST {endpoint}/send and GET {endpoint}/status.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a gateway transport. Deadlines come from the caller context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, modem domain.Modem, phone, message string) (string, error) {
	body, err := json.Marshal(sendRequest{Phone: phone, Message: message})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(modem, "/send"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &notifications.NetworkError{Op: "modem " + modem.Name + " send", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed sendResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 300 {
		msg := parsed.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", &notifications.ProviderError{Provider: "modem " + modem.Name, Status: resp.StatusCode, Message: msg}
	}

	return parsed.MessageID, nil
}

// Status implements Transport.
func (t *HTTPTransport) Status(ctx context.Context, modem domain.Modem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(modem, "/status"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &notifications.NetworkError{Op: "modem " + modem.Name + " status", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &notifications.ProviderError{Provider: "modem " + modem.Name, Status: resp.StatusCode, Message: "status check failed"}
	}
	return nil
}

func endpoint(modem domain.Modem, path string) string {
	return strings.TrimRight(modem.Endpoint, "/") + path
}

// MockTransport accepts every message without contacting hardware.
type MockTransport struct{}

// Send implements Transport.
func (MockTransport) Send(context.Context, domain.Modem, string, string) (string, error) {
	return "mock-" + uuid.NewString(), nil
}

// Status implements Transport.
func (MockTransport) Status(context.Context, domain.Modem) error {
	return nil
}
