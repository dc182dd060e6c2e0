// Package sms delivers alarms as text messages through the modem pool.
package sms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/modempool"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
)

// Segment windows for single-part messages.
const (
	gsmSegmentSize     = 160
	unicodeSegmentSize = 70
	maxQuietSegments   = 3
)

// ErrNoHealthyModems is returned by Probe when every modem is down.
var ErrNoHealthyModems = errors.New("no healthy modems")

// Pool is satisfied by *modempool.Pool.
type Pool interface {
	Initialize(ctx context.Context) error
	SendSMS(ctx context.Context, phone, message string, opts modempool.SendOptions) (modempool.SendResult, error)
	HealthyCount() int
	GetPoolStatus(ctx context.Context) (modempool.Status, error)
	Shutdown(ctx context.Context) error
}

// Config holds SMS channel configuration.
type Config struct {
	// Service tags outgoing messages for hybrid mock routing.
	Service         string
	Strict          bool
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Channel implements notifications.Channel for SMS.
type Channel struct {
	config   Config
	pool     Pool
	pipeline *notifications.Pipeline
	ready    atomic.Bool
}

// New creates an SMS channel backed by pool.
func New(config Config, deps notifications.PipelineDeps, pool Pool) *Channel {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	c := &Channel{config: config, pool: pool}
	c.pipeline = notifications.NewPipeline(notifications.PipelineConfig{
		Channel:  domain.ChannelTypeSMS,
		Provider: "modem-pool",
		Strict:   config.Strict,
		Timeout:  config.SendTimeout,
		Policy:   notifications.PolicyAdvisory,
	}, deps, notifications.Hooks{
		Validate: notifications.IsPhone,
		Ready:    c.Ready,
		Healthy:  func() bool { return pool.HealthyCount() > 0 },
	})
	return c
}

// Type implements notifications.Channel.
func (c *Channel) Type() domain.ChannelType { return domain.ChannelTypeSMS }

// Initialize loads the modem roster.
func (c *Channel) Initialize(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	if err := c.pool.Initialize(ctx); err != nil {
		return &notifications.ConfigurationError{Message: "modem pool initialization failed", Err: err}
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
	var warnOnce sync.Once

	deliver := func(ctx context.Context, recipient string, content notifications.Content) (notifications.Delivery, error) {
		if n := SegmentCount(content.Body); n > maxQuietSegments {
			warnOnce.Do(func() {
				ctxlog.FromContext(ctx).Warn("sms exceeds segment budget",
					"alarm_id", alarm.ID,
					"segments", n,
					"length", utf8.RuneCountInString(content.Body),
				)
			})
		}

		res, err := c.pool.SendSMS(ctx, notifications.NormalizePhone(recipient), content.Body, modempool.SendOptions{
			Service: c.config.Service,
			IMEI:    alarm.IMEI,
		})
		if err != nil {
			return notifications.Delivery{}, err
		}
		return notifications.Delivery{
			Provider:   "modem-pool",
			ProviderID: res.MessageID,
			ModemID:    res.ModemID,
			ModemName:  res.ModemName,
		}, nil
	}

	return c.pipeline.Send(ctx, alarm, recipients, deliver)
}

// Probe reads a fresh pool status and reports whether at least one modem is healthy.
func (c *Channel) Probe(ctx context.Context) error {
	status, err := c.pool.GetPoolStatus(ctx)
	if err != nil {
		return &notifications.ConfigurationError{Message: "modem pool status", Err: err}
	}
	if status.HealthyModems == 0 {
		return ErrNoHealthyModems
	}
	return nil
}

// Close shuts the modem pool down, waiting for in-flight sends.
func (c *Channel) Close() error {
	c.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	defer cancel()
	return c.pool.Shutdown(ctx)
}

// SegmentCount returns how many SMS parts body needs.
// Pure ASCII text uses the 160 character GSM-7 window, anything else the 70 character UCS-2 window.
func SegmentCount(body string) int {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 1
	}
	size := gsmSegmentSize
	if !isASCII(body) {
		size = unicodeSegmentSize
	}
	return (n + size - 1) / size
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
