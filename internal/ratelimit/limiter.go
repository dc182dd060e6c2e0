package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// Result is a limiter decision. RetryAfter is in whole seconds and is zero when allowed.
type Result struct {
	Allowed    bool  `json:"allowed"`
	RetryAfter int   `json:"retry_after"`
	Count      int64 `json:"count"`
	Limit      int   `json:"limit"`
}

// Policy configures one limiter.
type Policy struct {
	Limit  int
	Window time.Duration
	// FailOpen allows traffic when the store is unavailable.
	FailOpen bool
}

// RecipientLimiter caps sends per (channel, recipient) within a window.
type RecipientLimiter struct {
	store  Store
	policy Policy
}

// NewRecipientLimiter creates a recipient limiter.
func NewRecipientLimiter(store Store, policy Policy) *RecipientLimiter {
	return &RecipientLimiter{store: store, policy: policy}
}

// Check counts one send to recipient and reports whether it is within the limit.
func (l *RecipientLimiter) Check(ctx context.Context, channel domain.ChannelType, recipient string) (Result, error) {
	key := recipientKey(channel, recipient)

	count, ttl, err := l.store.Increment(ctx, key, l.policy.Window)
	if err != nil {
		recordStoreError("recipient")
		return storeFailure(l.policy, "recipient", key, err)
	}

	if count > int64(l.policy.Limit) {
		recordRejection("recipient", channel)
		return Result{
			Allowed:    false,
			RetryAfter: retryAfter(ttl, l.policy.Window),
			Count:      count,
			Limit:      l.policy.Limit,
		}, nil
	}

	return Result{Allowed: true, Count: count, Limit: l.policy.Limit}, nil
}

// DomainLimiter caps email sends per recipient domain within a window.
// Check does not count; RecordSend counts a confirmed delivery.
type DomainLimiter struct {
	store  Store
	policy Policy
}

// NewDomainLimiter creates an email domain limiter.
func NewDomainLimiter(store Store, policy Policy) *DomainLimiter {
	return &DomainLimiter{store: store, policy: policy}
}

// Check reports whether another email may be sent to the domain of address.
func (l *DomainLimiter) Check(ctx context.Context, address string) (Result, error) {
	return l.CheckPending(ctx, address, 0)
}

// CheckPending is Check with pending sends to the same domain that are admitted but not yet recorded.
func (l *DomainLimiter) CheckPending(ctx context.Context, address string, pending int) (Result, error) {
	key := domainKey(address)

	count, ttl, err := l.store.Get(ctx, key)
	if err != nil {
		recordStoreError("domain")
		return storeFailure(l.policy, "domain", key, err)
	}

	count += int64(pending)
	if count >= int64(l.policy.Limit) {
		recordRejection("domain", domain.ChannelTypeEmail)
		return Result{
			Allowed:    false,
			RetryAfter: retryAfter(ttl, l.policy.Window),
			Count:      count,
			Limit:      l.policy.Limit,
		}, nil
	}

	return Result{Allowed: true, Count: count, Limit: l.policy.Limit}, nil
}

// RecordSend counts a successful delivery to the domain of address.
func (l *DomainLimiter) RecordSend(ctx context.Context, address string) error {
	if _, _, err := l.store.Increment(ctx, domainKey(address), l.policy.Window); err != nil {
		recordStoreError("domain")
		return fmt.Errorf("record domain send: %w", err)
	}
	return nil
}

// EmailDomain returns the lower-cased domain part of an address.
func EmailDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}

func recipientKey(channel domain.ChannelType, recipient string) string {
	return fmt.Sprintf("ratelimit:recipient:%s:%s", channel, strings.ToLower(strings.TrimSpace(recipient)))
}

func domainKey(address string) string {
	return "ratelimit:domain:" + EmailDomain(address)
}

func retryAfter(ttl, window time.Duration) int {
	if ttl <= 0 {
		ttl = window
	}
	return max(1, int(math.Ceil(ttl.Seconds())))
}

func storeFailure(policy Policy, scope, key string, err error) (Result, error) {
	if policy.FailOpen {
		slog.Error("rate limit store unavailable, allowing send",
			"scope", scope,
			"key", key,
			"error", err,
		)
		return Result{Allowed: true, Limit: policy.Limit}, nil
	}

	slog.Error("rate limit store unavailable, rejecting send",
		"scope", scope,
		"key", key,
		"error", err,
	)
	return Result{
		Allowed:    false,
		RetryAfter: retryAfter(0, policy.Window),
		Limit:      policy.Limit,
	}, fmt.Errorf("%s limiter: %w", scope, err)
}
