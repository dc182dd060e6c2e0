// Package flags resolves feature flags and system modes.
// Defaults come from configuration and can be overridden at runtime through Redis.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/redis/go-redis/v9"
)

const lookupTimeout = 500 * time.Millisecond

// Defaults holds flag values used when no override exists.
type Defaults map[string]bool

// Service answers flag and mock-mode lookups.
type Service struct {
	rdb    redis.Cmdable
	prefix string

	mu       sync.RWMutex
	defaults Defaults
}

// NewService creates a flag service. rdb may be nil.
func NewService(rdb redis.Cmdable, prefix string, defaults Defaults) *Service {
	d := make(Defaults, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Service{
		rdb:      rdb,
		prefix:   prefix,
		defaults: d,
	}
}

// IsEnabled returns the override for name or its default. Lookup errors fall back to the default.
func (s *Service) IsEnabled(ctx context.Context, name string) bool {
	s.mu.RLock()
	def := s.defaults[name]
	s.mu.RUnlock()
	if s.rdb == nil {
		return def
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return def
	}
	if err != nil {
		slog.Warn("feature flag lookup failed, using default", "flag", name, "default", def, "error", err)
		return def
	}

	enabled, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid feature flag value, using default", "flag", name, "value", val)
		return def
	}
	return enabled
}

// Set stores an override.
func (s *Service) Set(ctx context.Context, name string, enabled bool) error {
	if s.rdb == nil {
		s.mu.Lock()
		s.defaults[name] = enabled
		s.mu.Unlock()
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(name), strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

// IsMockMode reports whether a channel should use its mock transport.
func (s *Service) IsMockMode(ctx context.Context, channel domain.ChannelType) bool {
	switch channel {
	case domain.ChannelTypeSMS:
		return s.IsEnabled(ctx, notifications.FlagSMSMockMode)
	case domain.ChannelTypeEmail:
		return s.IsEnabled(ctx, notifications.FlagEmailMockMode)
	default:
		return false
	}
}

func (s *Service) key(name string) string {
	return s.prefix + "flags:" + name
}
