// Package notifications implements the alarm delivery channels and the shared send pipeline.
package notifications

import (
	"context"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// Feature flag names.
const (
	FlagRateLimiting     = "rate_limiting_enabled"
	FlagCircuitBreaker   = "circuit_breaker_enabled"
	FlagSMSMockMode      = "sms_mock_mode"
	FlagEmailMockMode    = "email_mock_mode"
	FlagDLQAutoReprocess = "dlq_auto_reprocess_enabled"
)

// Channel delivers alarms over one transport.
type Channel interface {
	Type() domain.ChannelType
	// Initialize prepares transports. It is idempotent and a failure leaves the
	// channel not ready instead of aborting startup.
	Initialize(ctx context.Context) error
	Ready() bool
	ValidateRecipients(recipients []string) (valid, invalid []string)
	Send(ctx context.Context, alarm domain.Alarm, recipients []string) (*DeliveryResult, error)
	Close() error
}

// Prober is implemented by channels with a provider health check.
type Prober interface {
	Probe(ctx context.Context) error
}

// DeliveryResult describes the outcome of one send call.
type DeliveryResult struct {
	Success    bool               `json:"success"`
	Channel    domain.ChannelType `json:"channel"`
	Provider   string             `json:"provider"`
	MessageID  string             `json:"message_id,omitempty"`
	Recipients []RecipientResult  `json:"recipients"`
	ModemID    string             `json:"modem_id,omitempty"`
	ModemName  string             `json:"modem_name,omitempty"`
}

// RecipientResult is the per-recipient part of a DeliveryResult.
type RecipientResult struct {
	Recipient  string `json:"recipient"`
	Success    bool   `json:"success"`
	ProviderID string `json:"provider_id,omitempty"`
	Error      string `json:"error,omitempty"`

	err error
}

// FailedResult builds the result of a recipient that was not reached.
func FailedResult(recipient string, err error) RecipientResult {
	return RecipientResult{Recipient: recipient, Error: err.Error(), err: err}
}

// Err returns the canonical error behind a failed recipient.
func (r RecipientResult) Err() error {
	return r.err
}

// Succeeded returns the number of reached recipients.
func (d *DeliveryResult) Succeeded() int {
	n := 0
	for _, r := range d.Recipients {
		if r.Success {
			n++
		}
	}
	return n
}

// Content is a rendered message.
type Content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateRenderer renders message content for an alarm.
type TemplateRenderer interface {
	Render(ctx context.Context, channel domain.ChannelType, alarmType string, alarm domain.Alarm) (Content, error)
}

// FeatureFlags answers feature flag lookups.
type FeatureFlags interface {
	IsEnabled(ctx context.Context, name string) bool
}

// SystemState answers system-wide mode lookups.
type SystemState interface {
	IsMockMode(ctx context.Context, channel domain.ChannelType) bool
}
