// Package email delivers alarms by email over a mock mail catcher or a pooled SMTP relay.
package email

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/alarm-dispatch/internal/ratelimit"
	"github.com/go-playground/validator/v10"
)

// Config holds email channel configuration.
type Config struct {
	FromAddress string
	Strict      bool
	// Mock addresses the mail catcher used in mock mode.
	Mock ServerConfig
	// Real addresses the production relay. An empty host leaves the channel mock-only.
	Real PoolConfig
}

// DomainLimiter is satisfied by *ratelimit.DomainLimiter.
type DomainLimiter interface {
	CheckPending(ctx context.Context, address string, pending int) (ratelimit.Result, error)
	RecordSend(ctx context.Context, address string) error
}

// Channel implements notifications.Channel for email.
type Channel struct {
	config   Config
	state    notifications.SystemState
	domains  DomainLimiter
	validate *validator.Validate
	pipeline *notifications.Pipeline

	initMu sync.Mutex
	mock   Transport
	real   Transport
	ready  atomic.Bool
}

// New creates an email channel. state and domains may be nil.
func New(config Config, deps notifications.PipelineDeps, state notifications.SystemState, domains DomainLimiter) *Channel {
	c := &Channel{
		config:   config,
		state:    state,
		domains:  domains,
		validate: validator.New(),
	}
	c.pipeline = notifications.NewPipeline(notifications.PipelineConfig{
		Channel:  domain.ChannelTypeEmail,
		Provider: "smtp",
		Strict:   config.Strict,
		Timeout:  config.Real.SocketTimeout + config.Real.ConnectTimeout,
		Policy:   notifications.PolicyAdvisory,
	}, deps, notifications.Hooks{
		Validate:     c.isValid,
		Ready:        c.Ready,
		Gate:         c.checkDomain,
		AfterSuccess: c.recordDomain,
	})
	return c
}

// Type implements notifications.Channel.
func (c *Channel) Type() domain.ChannelType { return domain.ChannelTypeEmail }

// Initialize builds transports. Missing relay configuration degrades the channel to mock-only.
func (c *Channel) Initialize(_ context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.ready.Load() {
		return nil
	}

	if c.mock == nil {
		c.mock = NewDirectTransport(c.config.Mock)
	}
	if c.real == nil {
		if c.config.Real.Host == "" {
			slog.Warn("smtp relay not configured, email channel runs in mock-only mode",
				"mock_host", c.config.Mock.Host,
				"mock_port", c.config.Mock.Port,
			)
		} else {
			c.real = NewPoolTransport(c.config.Real)
		}
	}

	slog.Info("email channel configured",
		"from_address", c.config.FromAddress,
		"smtp_host", c.config.Real.Host,
		"smtp_port", c.config.Real.Port,
		"max_connections", c.config.Real.MaxConnections,
		"mock_only", c.real == nil,
	)

	c.ready.Store(true)
	return nil
}

// Ready implements notifications.Channel.
func (c *Channel) Ready() bool { return c.ready.Load() }

// ValidateRecipients implements notifications.Channel.
func (c *Channel) ValidateRecipients(recipients []string) (valid, invalid []string) {
	return c.pipeline.Validate(recipients)
}

// Send implements notifications.Channel.
func (c *Channel) Send(ctx context.Context, alarm domain.Alarm, recipients []string) (*notifications.DeliveryResult, error) {
	return c.pipeline.Send(ctx, alarm, recipients, c.deliver)
}

// Close implements notifications.Channel.
func (c *Channel) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.ready.Store(false)
	if c.real != nil {
		return c.real.Close()
	}
	return nil
}

// transport picks the relay unless mock mode is on or no relay is configured.
func (c *Channel) transport(ctx context.Context) Transport {
	if c.real == nil {
		return c.mock
	}
	if c.state != nil && c.state.IsMockMode(ctx, domain.ChannelTypeEmail) {
		return c.mock
	}
	return c.real
}

func (c *Channel) deliver(ctx context.Context, recipient string, content notifications.Content) (notifications.Delivery, error) {
	t := c.transport(ctx)
	id, err := t.Send(ctx, Message{
		From:    c.config.FromAddress,
		To:      recipient,
		Subject: content.Subject,
		Body:    content.Body,
	})
	if err != nil {
		return notifications.Delivery{}, err
	}
	return notifications.Delivery{Provider: t.Name(), ProviderID: id}, nil
}

func (c *Channel) isValid(recipient string) bool {
	return c.validate.Var(recipient, "required,email") == nil
}

func (c *Channel) checkDomain(ctx context.Context, recipient string, admitted []string) error {
	if c.domains == nil {
		return nil
	}
	d := ratelimit.EmailDomain(recipient)
	pending := 0
	for _, a := range admitted {
		if ratelimit.EmailDomain(a) == d {
			pending++
		}
	}
	res, err := c.domains.CheckPending(ctx, recipient, pending)
	if err != nil {
		ctxlog.FromContext(ctx).Error("domain limiter failed", "domain", ratelimit.EmailDomain(recipient), "error", err)
	}
	if !res.Allowed {
		return &notifications.RateLimitError{Recipient: recipient, Scope: "domain", RetryAfter: res.RetryAfter}
	}
	return nil
}

func (c *Channel) recordDomain(ctx context.Context, recipient string) {
	if c.domains == nil {
		return
	}
	if err := c.domains.RecordSend(ctx, recipient); err != nil {
		ctxlog.FromContext(ctx).Error("failed to record domain send", "domain", ratelimit.EmailDomain(recipient), "error", err)
	}
}
