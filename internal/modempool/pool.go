// Package modempool schedules SMS sends across a roster of GSM modem gateways.
package modempool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// Pool errors.
var (
	ErrNoModems       = errors.New("no modems in pool")
	ErrPoolClosed     = errors.New("modem pool shut down")
	ErrNotInitialized = errors.New("modem pool not initialized")
)

const mockModemID = "mock"

// Repository loads the modem roster.
type Repository interface {
	ListEnabledModems(ctx context.Context) ([]domain.Modem, error)
}

// Config holds pool settings.
type Config struct {
	// MockServices lists services whose traffic is always routed to the mock transport.
	MockServices   []string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

// DefaultConfig returns default pool settings.
func DefaultConfig() Config {
	return Config{
		HealthInterval: 60 * time.Second,
		HealthTimeout:  5 * time.Second,
	}
}

// SendOptions describe the origin of an SMS.
type SendOptions struct {
	Service string
	IMEI    string
}

// SendResult reports which modem handled an SMS.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	ModemID   string `json:"modem_id"`
	ModemName string `json:"modem_name"`
	Error     string `json:"error,omitempty"`
}

// ModemEntry is the pool view of one modem.
type ModemEntry struct {
	ModemID   string     `json:"modem_id"`
	ModemName string     `json:"modem_name"`
	Healthy   bool       `json:"healthy"`
	LastError *string    `json:"last_error"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Status is a fresh snapshot of the pool.
type Status struct {
	HealthyModems int          `json:"healthy_modems"`
	TotalModems   int          `json:"total_modems"`
	IsMockMode    bool         `json:"is_mock_mode"`
	Modems        []ModemEntry `json:"modems"`
}

// Pool routes SMS to modems. The roster and health map are only mutated through its methods.
type Pool struct {
	config    Config
	repo      Repository
	transport Transport
	mock      Transport
	state     notifications.SystemState
	now       func() time.Time

	mu          sync.Mutex
	initialized bool
	closed      bool
	roster      []domain.Modem
	unhealthy   map[string]string
	lastUsed    map[string]time.Time

	inflight sync.WaitGroup
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a pool. state may be nil.
func New(config Config, repo Repository, transport Transport, state notifications.SystemState) *Pool {
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultConfig().HealthInterval
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultConfig().HealthTimeout
	}
	return &Pool{
		config:    config,
		repo:      repo,
		transport: transport,
		mock:      MockTransport{},
		state:     state,
		now:       time.Now,
		unhealthy: make(map[string]string),
		lastUsed:  make(map[string]time.Time),
	}
}

// Initialize loads the roster and starts the health loop. It is idempotent.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if _, err := p.reload(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.initialized = true
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	total := len(p.roster)
	p.mu.Unlock()

	go p.healthLoop(loopCtx)

	slog.Info("modem pool initialized",
		"modems", total,
		"mock_services", p.config.MockServices,
		"health_interval", p.config.HealthInterval,
	)
	return nil
}

// SendSMS sends one message through a mock or real modem.
// A healthy modem is always preferred; when none is healthy the least recently used one is tried.
func (p *Pool) SendSMS(ctx context.Context, phone, message string, opts SendOptions) (SendResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return SendResult{Error: ErrPoolClosed.Error()}, &notifications.ConfigurationError{Message: "modem pool", Err: ErrPoolClosed}
	}
	if !p.initialized {
		p.mu.Unlock()
		return SendResult{Error: ErrNotInitialized.Error()}, &notifications.ConfigurationError{Message: "modem pool", Err: ErrNotInitialized}
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	if p.isMock(ctx, opts) {
		id, err := p.mock.Send(ctx, domain.Modem{ID: mockModemID, Name: mockModemID}, phone, message)
		if err != nil {
			return SendResult{ModemID: mockModemID, ModemName: mockModemID, Error: err.Error()}, err
		}
		recordSend(mockModemID, true)
		return SendResult{Success: true, MessageID: id, ModemID: mockModemID, ModemName: mockModemID}, nil
	}

	modem, err := p.selectModem()
	if err != nil {
		return SendResult{Error: err.Error()}, &notifications.ProviderError{Provider: "modem-pool", Status: 503, Message: err.Error()}
	}

	id, err := p.transport.Send(ctx, modem, phone, message)
	if err != nil {
		recordSend(modem.ID, false)
		slog.Warn("sms send failed",
			"modem_id", modem.ID,
			"modem_name", modem.Name,
			"imei", opts.IMEI,
			"error", err,
		)
		return SendResult{ModemID: modem.ID, ModemName: modem.Name, Error: err.Error()}, err
	}

	recordSend(modem.ID, true)
	return SendResult{Success: true, MessageID: id, ModemID: modem.ID, ModemName: modem.Name}, nil
}

// GetPoolStatus reloads the roster and returns a fresh snapshot.
func (p *Pool) GetPoolStatus(ctx context.Context) (Status, error) {
	if _, err := p.reload(ctx); err != nil {
		return Status{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		TotalModems: len(p.roster),
		IsMockMode:  p.state != nil && p.state.IsMockMode(ctx, domain.ChannelTypeSMS),
		Modems:      make([]ModemEntry, 0, len(p.roster)),
	}
	for _, m := range p.roster {
		e := ModemEntry{ModemID: m.ID, ModemName: m.Name, Healthy: true}
		if msg, bad := p.unhealthy[m.ID]; bad {
			e.Healthy = false
			e.LastError = &msg
		} else {
			s.HealthyModems++
		}
		if t, ok := p.lastUsed[m.ID]; ok {
			e.LastUsed = &t
		}
		s.Modems = append(s.Modems, e)
	}
	return s, nil
}

// HealthyCount returns the number of modems not marked unhealthy.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyCountLocked()
}

// CheckHealth reloads the roster, probes every modem once and updates the health map.
// A failed reload keeps probing the last known roster.
func (p *Pool) CheckHealth(ctx context.Context) {
	if _, err := p.reload(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("modem roster reload failed, probing cached roster", "error", err)
	}

	p.mu.Lock()
	roster := slices.Clone(p.roster)
	p.mu.Unlock()

	results := make(map[string]error, len(roster))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, m := range roster {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, p.config.HealthTimeout)
			defer cancel()
			err := p.transport.Status(checkCtx, m)
			rmu.Lock()
			results[m.ID] = err
			rmu.Unlock()
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range roster {
		if !p.inRosterLocked(m.ID) {
			continue
		}
		err := results[m.ID]
		_, wasUnhealthy := p.unhealthy[m.ID]
		switch {
		case err != nil && !wasUnhealthy:
			p.unhealthy[m.ID] = err.Error()
			slog.Warn("modem marked unhealthy", "modem_id", m.ID, "modem_name", m.Name, "error", err)
		case err != nil:
			p.unhealthy[m.ID] = err.Error()
		case wasUnhealthy:
			delete(p.unhealthy, m.ID)
			slog.Warn("modem recovered", "modem_id", m.ID, "modem_name", m.Name)
		}
	}
	recordPool(len(p.roster), p.healthyCountLocked())
}

// Shutdown stops the health loop and waits for in-flight sends. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	loopDone := p.loopDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("modem pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight sms: %w", ctx.Err())
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer close(p.loopDone)

	p.CheckHealth(ctx)

	ticker := time.NewTicker(p.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

// reload replaces the roster with the repository view, keeping health and usage of surviving modems.
func (p *Pool) reload(ctx context.Context) ([]domain.Modem, error) {
	modems, err := p.repo.ListEnabledModems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load modem roster: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[string]struct{}, len(modems))
	for _, m := range modems {
		keep[m.ID] = struct{}{}
	}
	for id := range p.unhealthy {
		if _, ok := keep[id]; !ok {
			delete(p.unhealthy, id)
		}
	}
	for id := range p.lastUsed {
		if _, ok := keep[id]; !ok {
			delete(p.lastUsed, id)
		}
	}
	p.roster = modems
	recordPool(len(p.roster), p.healthyCountLocked())
	return modems, nil
}

// selectModem picks the least recently used healthy modem, or the least recently used modem
// when none is healthy.
func (p *Pool) selectModem() (domain.Modem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.roster) == 0 {
		return domain.Modem{}, ErrNoModems
	}

	pick := -1
	for i, m := range p.roster {
		if _, bad := p.unhealthy[m.ID]; bad {
			continue
		}
		if pick < 0 || p.lastUsed[m.ID].Before(p.lastUsed[p.roster[pick].ID]) {
			pick = i
		}
	}

	if pick < 0 {
		for i, m := range p.roster {
			if pick < 0 || p.lastUsed[m.ID].Before(p.lastUsed[p.roster[pick].ID]) {
				pick = i
			}
		}
		slog.Warn("no healthy modems, attempting least recently used", "modem_id", p.roster[pick].ID)
	}

	m := p.roster[pick]
	p.lastUsed[m.ID] = p.now()
	return m, nil
}

func (p *Pool) isMock(ctx context.Context, opts SendOptions) bool {
	if p.state != nil && p.state.IsMockMode(ctx, domain.ChannelTypeSMS) {
		return true
	}
	return opts.Service != "" && slices.Contains(p.config.MockServices, opts.Service)
}

func (p *Pool) healthyCountLocked() int {
	n := 0
	for _, m := range p.roster {
		if _, bad := p.unhealthy[m.ID]; !bad {
			n++
		}
	}
	return n
}

func (p *Pool) inRosterLocked(id string) bool {
	for _, m := range p.roster {
		if m.ID == id {
			return true
		}
	}
	return false
}
