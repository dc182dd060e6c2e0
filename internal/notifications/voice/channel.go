// Package voice delivers alarms as automated phone calls.
package voice

import (
	"context"
	"sync/atomic"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// Config holds voice channel configuration.
type Config struct {
	Client ClientConfig
	Strict bool
}

// Channel implements notifications.Channel for voice calls.
// Sends are refused while the breaker is open or the provider is unhealthy.
type Channel struct {
	config   Config
	client   *Client
	pipeline *notifications.Pipeline
	ready    atomic.Bool
}

// New creates a voice channel.
func New(config Config, deps notifications.PipelineDeps) *Channel {
	c := &Channel{config: config, client: NewClient(config.Client)}
	c.pipeline = notifications.NewPipeline(notifications.PipelineConfig{
		Channel:  domain.ChannelTypeVoice,
		Provider: "voice-api",
		Strict:   config.Strict,
		Policy:   notifications.PolicyBlocking,
	}, deps, notifications.Hooks{
		Validate: notifications.IsPhone,
		Ready:    c.Ready,
		Healthy:  c.client.Healthy,
	})
	return c
}

// Type implements notifications.Channel.
func (c *Channel) Type() domain.ChannelType { return domain.ChannelTypeVoice }

// Initialize requires an API URL.
func (c *Channel) Initialize(context.Context) error {
	if c.config.Client.BaseURL == "" {
		return &notifications.ConfigurationError{Message: "voice api url not configured"}
	}
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
	return c.pipeline.Send(ctx, alarm, recipients, func(ctx context.Context, recipient string, content notifications.Content) (notifications.Delivery, error) {
		id, err := c.client.Call(ctx, notifications.NormalizePhone(recipient), content.Body, alarm.ID)
		if err != nil {
			return notifications.Delivery{}, err
		}
		return notifications.Delivery{Provider: "voice-api", ProviderID: id}, nil
	})
}

// Probe checks the provider health endpoint.
func (c *Channel) Probe(ctx context.Context) error {
	return c.client.CheckHealth(ctx)
}

// Close implements notifications.Channel.
func (c *Channel) Close() error {
	c.ready.Store(false)
	return nil
}
