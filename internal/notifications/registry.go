package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// Registry selects a channel by type.
type Registry struct {
	channels map[domain.ChannelType]Channel
	order    []domain.ChannelType
}

// NewRegistry creates a registry. Later channels replace earlier ones of the same type.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[domain.ChannelType]Channel, len(channels))}
	for _, ch := range channels {
		if _, ok := r.channels[ch.Type()]; !ok {
			r.order = append(r.order, ch.Type())
		}
		r.channels[ch.Type()] = ch
	}
	return r
}

// InitializeAll initializes every channel. Failures are logged and leave the channel not ready.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, t := range r.order {
		if err := r.channels[t].Initialize(ctx); err != nil {
			slog.Error("channel initialization failed", "channel", t, "error", err)
			continue
		}
		slog.Info("channel initialized", "channel", t, "ready", r.channels[t].Ready())
	}
}

// Get returns the channel of the given type.
func (r *Registry) Get(t domain.ChannelType) (Channel, error) {
	ch, ok := r.channels[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrChannelNotFound)
	}
	return ch, nil
}

// Channels returns all registered channels in registration order.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.channels[t])
	}
	return out
}

// AvailableChannels returns the types of ready channels.
func (r *Registry) AvailableChannels() []domain.ChannelType {
	out := make([]domain.ChannelType, 0, len(r.order))
	for _, t := range r.order {
		if r.channels[t].Ready() {
			out = append(out, t)
		}
	}
	return out
}

// Send delivers an alarm through the channel of the given type.
func (r *Registry) Send(ctx context.Context, t domain.ChannelType, alarm domain.Alarm, recipients []string) (*DeliveryResult, error) {
	ch, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	return ch.Send(ctx, alarm, recipients)
}

// CloseAll closes every channel and joins the errors.
func (r *Registry) CloseAll() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		t := r.order[i]
		if err := r.channels[t].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
