// Package delivery is the entrypoint the alarm consumer calls: send through a channel
// and dead-letter whatever could not be delivered.
package delivery

import (
	"context"
	"errors"

	"github.com/bissquit/alarm-dispatch/internal/dlq"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
)

// Capturer stores failed deliveries. It is satisfied by *dlq.Service.
type Capturer interface {
	Capture(ctx context.Context, channel domain.ChannelType, alarm domain.Alarm, recipients []string, sendErr error) ([]dlq.Item, error)
}

// Outcome is the result of one Deliver call.
type Outcome struct {
	Result *notifications.DeliveryResult `json:"result,omitempty"`
	// DeadLettered lists the DLQ ids created for this call.
	DeadLettered []string `json:"dead_lettered,omitempty"`
	Error        string   `json:"error,omitempty"`
	ErrorType    string   `json:"error_type,omitempty"`
	Retryable    bool     `json:"retryable"`
}

// Engine sends alarms and captures failures.
type Engine struct {
	sender   dlq.Sender
	capturer Capturer
}

// NewEngine creates a delivery engine. capturer may be nil to disable dead-lettering.
func NewEngine(sender dlq.Sender, capturer Capturer) *Engine {
	return &Engine{sender: sender, capturer: capturer}
}

// Deliver sends alarm to recipients over channel. A total failure is dead-lettered per
// recipient. Validation errors raised before any send are returned without dead-lettering.
func (e *Engine) Deliver(ctx context.Context, channel domain.ChannelType, alarm domain.Alarm, recipients []string) (Outcome, error) {
	ctx = ctxlog.With(ctx, "alarm_id", alarm.ID, "imei", alarm.IMEI, "channel", channel)

	res, err := e.sender.Send(ctx, channel, alarm, recipients)
	if err == nil {
		return Outcome{Result: res}, nil
	}

	out := Outcome{
		Error:     err.Error(),
		ErrorType: string(dlq.Classify(err)),
		Retryable: notifications.IsRetryable(err),
	}

	if e.capturer == nil || !shouldCapture(err, recipients) {
		return out, err
	}

	items, capErr := e.capturer.Capture(ctx, channel, alarm, recipients, err)
	if capErr != nil {
		ctxlog.FromContext(ctx).Error("failed to dead-letter delivery", "error", capErr)
		return out, errors.Join(err, capErr)
	}
	for _, it := range items {
		out.DeadLettered = append(out.DeadLettered, it.ID)
	}
	return out, err
}

// shouldCapture skips sends that can never succeed on replay with the same input.
func shouldCapture(err error, recipients []string) bool {
	if len(recipients) == 0 {
		return false
	}
	var df *notifications.DeliveryFailure
	if errors.As(err, &df) {
		return true
	}
	var valErr *notifications.ValidationError
	return !errors.As(err, &valErr)
}
