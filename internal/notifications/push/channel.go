// Package push delivers alarms to the mobile devices registered by a user.
package push

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// TokenStore resolves users to device tokens.
type TokenStore interface {
	// ListTokens returns tokens ordered by last use, newest first.
	ListTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error)
	RemoveToken(ctx context.Context, token string) error
}

// Config holds push channel configuration.
type Config struct {
	FCM    FCMConfig
	Strict bool
	// TokenConcurrency caps concurrent provider calls per user.
	TokenConcurrency int
}

// Channel implements notifications.Channel for push. Recipients are user ids.
type Channel struct {
	config   Config
	store    TokenStore
	provider Provider
	pipeline *notifications.Pipeline
	ready    atomic.Bool
}

// New creates a push channel.
func New(config Config, deps notifications.PipelineDeps, store TokenStore) *Channel {
	if config.TokenConcurrency <= 0 {
		config.TokenConcurrency = 4
	}
	c := &Channel{config: config, store: store}
	c.pipeline = notifications.NewPipeline(notifications.PipelineConfig{
		Channel:  domain.ChannelTypePush,
		Provider: "fcm",
		Strict:   config.Strict,
		Timeout:  config.FCM.Timeout,
		Policy:   notifications.PolicyAdvisory,
	}, deps, notifications.Hooks{
		Validate: isUserID,
		Ready:    c.Ready,
	})
	return c
}

// Type implements notifications.Channel.
func (c *Channel) Type() domain.ChannelType { return domain.ChannelTypePush }

// Initialize requires provider credentials.
func (c *Channel) Initialize(context.Context) error {
	if c.ready.Load() {
		return nil
	}
	if c.provider == nil {
		if c.config.FCM.ServerKey == "" || c.config.FCM.Endpoint == "" {
			return &notifications.ConfigurationError{Message: "push provider credentials not configured"}
		}
		c.provider = NewFCMProvider(c.config.FCM)
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
	data := map[string]string{
		"alarm_id": alarm.ID,
		"imei":     alarm.IMEI,
		"status":   alarm.Status,
	}
	return c.pipeline.Send(ctx, alarm, recipients, func(ctx context.Context, userID string, content notifications.Content) (notifications.Delivery, error) {
		return c.sendToUser(ctx, userID, content, data)
	})
}

// Close implements notifications.Channel.
func (c *Channel) Close() error {
	c.ready.Store(false)
	return nil
}

// sendToUser sends one message per device. The user counts as reached when any device accepted it.
func (c *Channel) sendToUser(ctx context.Context, userID string, content notifications.Content, data map[string]string) (notifications.Delivery, error) {
	tokens, err := c.store.ListTokens(ctx, userID)
	if err != nil {
		return notifications.Delivery{}, &notifications.NetworkError{Op: "list device tokens", Err: err}
	}
	if len(tokens) == 0 {
		return notifications.Delivery{}, &notifications.ValidationError{Message: "no registered devices", Invalid: []string{userID}}
	}

	ids := make([]string, len(tokens))
	errs := make([]error, len(tokens))

	var g errgroup.Group
	g.SetLimit(c.config.TokenConcurrency)
	for i, t := range tokens {
		g.Go(func() error {
			ids[i], errs[i] = c.provider.Send(ctx, Message{
				Token: t.DeviceToken,
				Title: content.Subject,
				Body:  content.Body,
				Data:  data,
			})
			return nil
		})
	}
	_ = g.Wait()

	logger := ctxlog.FromContext(ctx)
	var (
		reached  bool
		firstID  string
		firstErr error
		removed  int
	)
	for i, err := range errs {
		if err == nil {
			if !reached {
				reached, firstID = true, ids[i]
			}
			continue
		}
		if errors.Is(err, ErrTokenInvalid) {
			removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rmErr := c.store.RemoveToken(removeCtx, tokens[i].DeviceToken); rmErr != nil {
				logger.Error("failed to remove invalid device token", "user_id", userID, "error", rmErr)
			} else {
				removed++
			}
			cancel()
			err = &notifications.ValidationError{Message: err.Error(), Invalid: []string{userID}}
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if removed > 0 {
		logger.Info("removed invalid device tokens", "user_id", userID, "removed", removed)
	}

	if !reached {
		return notifications.Delivery{}, firstErr
	}
	return notifications.Delivery{Provider: c.provider.Name(), ProviderID: firstID}, nil
}

func isUserID(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}
