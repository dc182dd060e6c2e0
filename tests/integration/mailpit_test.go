//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the Mailpit inbox that backs the mock email transport.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMailpitClient creates a Mailpit API client.
func NewMailpitClient(host string, port int) *MailpitClient {
	return &MailpitClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a message summary.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Snippet string           `json:"Snippet"`
}

// MailpitAddress is an email address.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
}

// SearchByRecipient returns messages addressed to email.
func (c *MailpitClient) SearchByRecipient(email string) ([]MailpitMessage, error) {
	query := url.QueryEscape("to:" + email)
	resp, err := c.httpClient.Get(c.baseURL + "/api/v1/search?query=" + query)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search messages: status %d", resp.StatusCode)
	}

	var result messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return result.Messages, nil
}

// WaitForRecipient polls until at least one message for email arrives.
func (c *MailpitClient) WaitForRecipient(email string, timeout time.Duration) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		messages, err := c.SearchByRecipient(email)
		if err == nil && len(messages) > 0 {
			return messages, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("timeout waiting for %s: %w", email, err)
			}
			return nil, fmt.Errorf("timeout waiting for %s", email)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
