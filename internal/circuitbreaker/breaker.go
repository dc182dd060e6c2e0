// Package circuitbreaker tracks provider health per delivery channel.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// State is a breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Channel             domain.ChannelType `json:"channel"`
	State               State              `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastFailureTime     *time.Time         `json:"last_failure_time"`
}

// Config holds breaker settings.
type Config struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		CoolDown:         60 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker for one channel.
type Breaker struct {
	mu          sync.Mutex
	channel     domain.ChannelType
	config      Config
	state       State
	failures    int
	lastFailure *time.Time
	openedAt    time.Time
	now         func() time.Time
}

// New creates a closed breaker.
func New(channel domain.ChannelType, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	b := &Breaker{
		channel: channel,
		config:  config,
		state:   StateClosed,
		now:     time.Now,
	}
	recordState(channel, StateClosed)
	return b
}

// Channel returns the channel guarded by the breaker.
func (b *Breaker) Channel() domain.ChannelType {
	return b.channel
}

// IsOpen reports whether the breaker rejects traffic.
// An open breaker past its cool-down moves to HALF_OPEN and lets a trial through.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.config.CoolDown > 0 && b.now().Sub(b.openedAt) >= b.config.CoolDown {
		b.transitionTo(StateHalfOpen)
	}
	return b.state == StateOpen
}

// State returns the current snapshot.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Channel:             b.channel,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if b.lastFailure != nil {
		t := *b.lastFailure
		s.LastFailureTime = &t
	}
	return s
}

// RecordSuccess records a successful provider call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed provider call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = &now
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateOpen:
		b.openedAt = now
	}
}

// ProbeSucceeded advances an unhealthy breaker one step towards CLOSED.
func (b *Breaker) ProbeSucceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		b.transitionTo(StateHalfOpen)
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	}
}

// Reset forces the breaker to CLOSED and clears failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failures = 0
	b.lastFailure = nil
}

// transitionTo changes the state. Must be called with lock held.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}

	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}

	recordState(b.channel, next)
	slog.Warn("circuit breaker state changed",
		"channel", b.channel,
		"from", prev,
		"to", next,
		"consecutive_failures", b.failures,
	)
}
