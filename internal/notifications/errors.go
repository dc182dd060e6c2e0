package notifications

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// Registry errors.
var (
	ErrChannelNotFound = errors.New("notification channel not found")
	ErrNoRecipients    = errors.New("no recipients")
	ErrNotInitialized  = errors.New("channel not initialized")
)

// ValidationError reports recipients that cannot be addressed by a channel.
type ValidationError struct {
	Message string
	Invalid []string
}

func (e *ValidationError) Error() string {
	if len(e.Invalid) == 0 {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Message, strings.Join(e.Invalid, ", "))
}

// IsRetryable returns false.
func (e *ValidationError) IsRetryable() bool { return false }

// ConfigurationError reports a channel that cannot send until an operator fixes its setup.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Message, e.Err)
	}
	return "configuration: " + e.Message
}

// IsRetryable returns false.
func (e *ConfigurationError) IsRetryable() bool { return false }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RateLimitError reports a throttled recipient. RetryAfter is in seconds.
type RateLimitError struct {
	Recipient  string
	Scope      string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): %s, retry after %ds", e.Scope, e.Recipient, e.RetryAfter)
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// NetworkError reports a transport failure or a timeout talking to a provider.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

// IsRetryable returns true.
func (e *NetworkError) IsRetryable() bool { return true }

func (e *NetworkError) Unwrap() error { return e.Err }

// ProviderError reports a rejection by the downstream provider.
// Status follows HTTP semantics; SMTP reply codes are mapped onto it by the email channel.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Message)
}

// IsRetryable reports whether the provider failed on its side.
func (e *ProviderError) IsRetryable() bool { return e.Status >= 500 }

// DeliveryFailure is returned by a channel when no recipient was reached.
// It unwraps to the first canonical error and keeps the per-recipient detail.
type DeliveryFailure struct {
	Channel domain.ChannelType
	Err     error
	Results []RecipientResult
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// FailedRecipients returns the recipients that were not reached.
func (e *DeliveryFailure) FailedRecipients() []string {
	out := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if !r.Success {
			out = append(out, r.Recipient)
		}
	}
	return out
}

// IsRetryable checks whether an error is worth another attempt.
// Unknown errors are treated as retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Canonicalize maps an arbitrary provider error onto the delivery taxonomy.
func Canonicalize(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		valErr  *ValidationError
		cfgErr  *ConfigurationError
		rlErr   *RateLimitError
		netErr  *NetworkError
		provErr *ProviderError
	)
	if errors.As(err, &valErr) || errors.As(err, &cfgErr) || errors.As(err, &rlErr) ||
		errors.As(err, &netErr) || errors.As(err, &provErr) {
		return err
	}

	// Timeouts, refused connections and anything unrecognised are transport failures.
	return &NetworkError{Op: op, Err: err}
}

// IsTimeout reports whether err is a deadline or net timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// countsAgainstBreaker reports whether err reflects provider health.
// Caller cancellation says nothing about the provider.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		netErr  *NetworkError
		provErr *ProviderError
	)
	if errors.As(err, &netErr) {
		return true
	}
	if errors.As(err, &provErr) {
		return provErr.Status >= 500 || provErr.Status == 0
	}
	return false
}
