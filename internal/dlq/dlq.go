// Package dlq captures failed deliveries and replays them on demand.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// DLQ errors.
var (
	ErrItemNotFound       = errors.New("dlq item not found")
	ErrMaxAttemptsReached = errors.New("dlq item reached max attempts")
)

// ErrorType is the classification stored with each item.
type ErrorType string

// Error types.
const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeProvider      ErrorType = "provider"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// Item is one undelivered (channel, recipient) pair.
type Item struct {
	ID           string             `json:"id"`
	Channel      domain.ChannelType `json:"channel"`
	Alarm        domain.Alarm       `json:"alarm_snapshot"`
	Recipient    string             `json:"recipient"`
	ErrorType    ErrorType          `json:"error_type"`
	ErrorMessage string             `json:"error_message"`
	Attempts     int                `json:"attempts"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Stats summarizes the queue.
type Stats struct {
	Total       int                        `json:"total"`
	ByChannel   map[domain.ChannelType]int `json:"by_channel"`
	ByErrorType map[ErrorType]int          `json:"by_error_type"`
	OldestAt    *time.Time                 `json:"oldest_at"`
}

// Repository persists DLQ items.
type Repository interface {
	Insert(ctx context.Context, items []Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// List returns the newest items first.
	List(ctx context.Context, limit int) ([]Item, error)
	// ListOldest returns the oldest items with fewer than maxAttempts attempts.
	ListOldest(ctx context.Context, limit, maxAttempts int) ([]Item, error)
	// RecordAttempt increments attempts and stores the latest error.
	RecordAttempt(ctx context.Context, id string, errorType ErrorType, message string) (*Item, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// Sender delivers an alarm through a channel. It is satisfied by *notifications.Registry.
type Sender interface {
	Send(ctx context.Context, channel domain.ChannelType, alarm domain.Alarm, recipients []string) (*notifications.DeliveryResult, error)
}

// Classify maps a delivery error onto an ErrorType.
func Classify(err error) ErrorType {
	var (
		valErr  *notifications.ValidationError
		cfgErr  *notifications.ConfigurationError
		rlErr   *notifications.RateLimitError
		netErr  *notifications.NetworkError
		provErr *notifications.ProviderError
	)
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.As(err, &valErr):
		return ErrorTypeValidation
	case errors.As(err, &cfgErr), errors.Is(err, notifications.ErrChannelNotFound):
		return ErrorTypeConfiguration
	case errors.As(err, &rlErr):
		return ErrorTypeRateLimit
	case errors.As(err, &netErr):
		return ErrorTypeNetwork
	case errors.As(err, &provErr):
		return ErrorTypeProvider
	case notifications.IsTimeout(err):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}
