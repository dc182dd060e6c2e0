package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
)

// ErrBreakerNotFound is returned for a channel without a breaker.
var ErrBreakerNotFound = errors.New("circuit breaker not found")

// ProbeFunc checks a provider. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// MonitorConfig contains monitor configuration.
type MonitorConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     60 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Monitor owns the breakers of all channels and runs periodic health probes.
type Monitor struct {
	config   MonitorConfig
	breakers map[domain.ChannelType]*Breaker
	probes   map[domain.ChannelType]ProbeFunc

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given breakers.
func NewMonitor(config MonitorConfig, breakers ...*Breaker) *Monitor {
	m := &Monitor{
		config:   config,
		breakers: make(map[domain.ChannelType]*Breaker, len(breakers)),
		probes:   make(map[domain.ChannelType]ProbeFunc),
		stopCh:   make(chan struct{}),
	}
	for _, b := range breakers {
		m.breakers[b.Channel()] = b
	}
	return m
}

// Add registers a breaker. Must be called before Start.
func (m *Monitor) Add(b *Breaker) {
	m.breakers[b.Channel()] = b
}

// SetProbe registers a probe for a channel. Must be called before Start.
func (m *Monitor) SetProbe(channel domain.ChannelType, probe ProbeFunc) {
	m.probes[channel] = probe
}

// Breaker returns the breaker for a channel.
func (m *Monitor) Breaker(channel domain.ChannelType) (*Breaker, error) {
	b, ok := m.breakers[channel]
	if !ok {
		return nil, fmt.Errorf("%s: %w", channel, ErrBreakerNotFound)
	}
	return b, nil
}

// Status returns snapshots of every breaker ordered by channel.
func (m *Monitor) Status() []Snapshot {
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Reset forces the breaker of a channel to CLOSED.
func (m *Monitor) Reset(channel domain.ChannelType) (Snapshot, error) {
	b, err := m.Breaker(channel)
	if err != nil {
		return Snapshot{}, err
	}
	b.Reset()
	slog.Warn("circuit breaker reset manually", "channel", channel)
	return b.State(), nil
}

// Start launches one probe loop per channel with a probe.
func (m *Monitor) Start(ctx context.Context) {
	slog.Info("starting circuit breaker monitor",
		"probes", len(m.probes),
		"interval", m.config.Interval,
	)

	for channel, probe := range m.probes {
		b, ok := m.breakers[channel]
		if !ok {
			continue
		}
		m.wg.Add(1)
		go m.run(ctx, b, probe)
	}
}

// Stop stops all probe loops and waits for them.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("circuit breaker monitor stopped")
}

func (m *Monitor) run(ctx context.Context, b *Breaker, probe ProbeFunc) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ProbeOnce(ctx, b, probe)
		}
	}
}

// ProbeOnce runs a single probe and feeds the result to the breaker.
// Probes run regardless of state so a failing provider opens the breaker without send traffic.
// A success only moves a non-closed breaker.
func (m *Monitor) ProbeOnce(ctx context.Context, b *Breaker, probe ProbeFunc) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	if err := probe(probeCtx); err != nil {
		slog.Warn("circuit breaker probe failed", "channel", b.Channel(), "error", err)
		b.RecordFailure()
		return
	}

	if b.State().State == StateClosed {
		return
	}
	slog.Info("circuit breaker probe succeeded", "channel", b.Channel())
	b.ProbeSucceeded()
}
