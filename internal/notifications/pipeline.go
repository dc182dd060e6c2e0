package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/alarm-dispatch/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// RecipientLimiter is satisfied by *ratelimit.RecipientLimiter.
type RecipientLimiter interface {
	Check(ctx context.Context, channel domain.ChannelType, recipient string) (ratelimit.Result, error)
}

// CircuitBreaker is satisfied by *circuitbreaker.Breaker.
type CircuitBreaker interface {
	IsOpen() bool
	RecordSuccess()
	RecordFailure()
}

// BreakerPolicy decides what a channel does while its breaker is open.
type BreakerPolicy int

const (
	// PolicyAdvisory logs a warning and attempts the send anyway.
	PolicyAdvisory BreakerPolicy = iota
	// PolicyBlocking refuses the send without calling the provider.
	PolicyBlocking
)

// Delivery is what a provider reports for one reached recipient.
type Delivery struct {
	Provider   string
	ProviderID string
	ModemID    string
	ModemName  string
}

// DeliverFunc sends rendered content to one recipient.
type DeliverFunc func(ctx context.Context, recipient string, content Content) (Delivery, error)

// PipelineConfig holds per-channel pipeline settings.
type PipelineConfig struct {
	Channel  domain.ChannelType
	Provider string
	// Strict rejects the whole send when any recipient is invalid.
	Strict bool
	// Timeout bounds each provider call. Zero means no extra deadline.
	Timeout time.Duration
	// Concurrency caps in-flight provider calls. Zero means unbounded.
	Concurrency int
	Policy      BreakerPolicy
}

// PipelineDeps are the shared collaborators. Any of them may be nil.
type PipelineDeps struct {
	Limiter  RecipientLimiter
	Breaker  CircuitBreaker
	Flags    FeatureFlags
	Renderer TemplateRenderer
}

// Hooks let a channel extend the pipeline.
type Hooks struct {
	// Validate reports whether a recipient is addressable by the channel.
	Validate func(recipient string) bool
	// Ready reports whether the channel has been initialized.
	Ready func() bool
	// Healthy reports provider health for PolicyBlocking.
	Healthy func() bool
	// Gate runs for each recipient after the recipient limiter. admitted holds the recipients
	// of the same call that already passed. An error aborts the send.
	Gate func(ctx context.Context, recipient string, admitted []string) error
	// AfterSuccess runs for each reached recipient.
	AfterSuccess func(ctx context.Context, recipient string)
}

// Pipeline runs the send algorithm shared by all channels.
type Pipeline struct {
	config PipelineConfig
	deps   PipelineDeps
	hooks  Hooks
}

// NewPipeline creates a send pipeline.
func NewPipeline(config PipelineConfig, deps PipelineDeps, hooks Hooks) *Pipeline {
	if config.Provider == "" {
		config.Provider = string(config.Channel)
	}
	return &Pipeline{config: config, deps: deps, hooks: hooks}
}

// Validate splits recipients into addressable and rejected ones.
func (p *Pipeline) Validate(recipients []string) (valid, invalid []string) {
	for _, r := range recipients {
		if p.hooks.Validate == nil || p.hooks.Validate(r) {
			valid = append(valid, r)
		} else {
			invalid = append(invalid, r)
		}
	}
	return valid, invalid
}

// Send validates, gates, renders and fans out one alarm to recipients.
// It returns a result when at least one recipient was reached and a typed error otherwise.
func (p *Pipeline) Send(ctx context.Context, alarm domain.Alarm, recipients []string, deliver DeliverFunc) (*DeliveryResult, error) {
	start := time.Now()
	ch := p.config.Channel
	logger := ctxlog.FromContext(ctx).With("channel", ch, "alarm_id", alarm.ID, "imei", alarm.IMEI)

	if p.hooks.Ready != nil && !p.hooks.Ready() {
		recordDelivery(ch, statusRejected)
		return nil, &ConfigurationError{Message: fmt.Sprintf("%s channel not initialized", ch), Err: ErrNotInitialized}
	}

	if len(recipients) == 0 {
		recordDelivery(ch, statusRejected)
		return nil, &ValidationError{Message: ErrNoRecipients.Error()}
	}

	valid, invalid := p.Validate(recipients)
	if len(invalid) > 0 && (p.config.Strict || len(valid) == 0) {
		recordDelivery(ch, statusRejected)
		return nil, &ValidationError{Message: "invalid recipients", Invalid: invalid}
	}
	if len(invalid) > 0 {
		logger.Warn("skipping invalid recipients", "invalid", invalid, "valid_count", len(valid))
	}

	if err := p.checkBreaker(ctx, logger); err != nil {
		recordDelivery(ch, statusRejected)
		return nil, err
	}

	if err := p.checkLimits(ctx, valid); err != nil {
		recordDelivery(ch, statusRateLimited)
		return nil, err
	}

	content := p.render(ctx, alarm, logger)

	results, deliveries := p.fanOut(ctx, valid, content, deliver)
	for _, r := range invalid {
		results = append(results, FailedResult(r, &ValidationError{Message: "invalid recipient", Invalid: []string{r}}))
	}

	recordDuration(ch, time.Since(start))

	var (
		firstErr error
		first    *Delivery
	)
	for i := range results {
		if results[i].Success {
			if first == nil {
				first = &deliveries[i]
			}
			recordRecipient(ch, true)
			continue
		}
		recordRecipient(ch, false)
		if firstErr == nil {
			firstErr = results[i].err
		}
	}

	if first == nil {
		if p.breakerEnabled(ctx) && ctx.Err() == nil && countsAgainstBreaker(firstErr) {
			p.deps.Breaker.RecordFailure()
		}
		recordDelivery(ch, statusFailed)
		logger.Warn("delivery failed for all recipients", "recipients", len(results), "error", firstErr)
		return nil, &DeliveryFailure{Channel: ch, Err: firstErr, Results: results}
	}

	if p.breakerEnabled(ctx) {
		p.deps.Breaker.RecordSuccess()
	}

	if p.hooks.AfterSuccess != nil {
		for _, r := range results {
			if r.Success {
				p.hooks.AfterSuccess(ctx, r.Recipient)
			}
		}
	}

	res := &DeliveryResult{
		Success:    true,
		Channel:    ch,
		Provider:   first.Provider,
		MessageID:  first.ProviderID,
		Recipients: results,
		ModemID:    first.ModemID,
		ModemName:  first.ModemName,
	}
	if res.Provider == "" {
		res.Provider = p.config.Provider
	}

	status := statusSuccess
	if res.Succeeded() < len(results) {
		status = statusPartial
	}
	recordDelivery(ch, status)

	logger.Info("alarm delivered",
		"provider", res.Provider,
		"succeeded", res.Succeeded(),
		"recipients", len(results),
		"duration", time.Since(start),
	)

	return res, nil
}

func (p *Pipeline) flagEnabled(ctx context.Context, name string) bool {
	if p.deps.Flags == nil {
		return true
	}
	return p.deps.Flags.IsEnabled(ctx, name)
}

func (p *Pipeline) breakerEnabled(ctx context.Context) bool {
	return p.deps.Breaker != nil && p.flagEnabled(ctx, FlagCircuitBreaker)
}

func (p *Pipeline) checkBreaker(ctx context.Context, logger *slog.Logger) error {
	open := p.breakerEnabled(ctx) && p.deps.Breaker.IsOpen()
	unhealthy := p.hooks.Healthy != nil && !p.hooks.Healthy()

	if p.config.Policy == PolicyBlocking {
		switch {
		case open:
			return &ProviderError{Provider: p.config.Provider, Status: http.StatusServiceUnavailable, Message: "circuit breaker open"}
		case unhealthy:
			return &ProviderError{Provider: p.config.Provider, Status: http.StatusServiceUnavailable, Message: "provider unhealthy"}
		}
		return nil
	}

	if open || unhealthy {
		logger.Warn("provider degraded, attempting send anyway", "circuit_open", open, "unhealthy", unhealthy)
	}
	return nil
}

func (p *Pipeline) checkLimits(ctx context.Context, recipients []string) error {
	if !p.flagEnabled(ctx, FlagRateLimiting) {
		return nil
	}

	admitted := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if p.deps.Limiter != nil {
			res, err := p.deps.Limiter.Check(ctx, p.config.Channel, r)
			if err != nil {
				ctxlog.FromContext(ctx).Error("recipient limiter failed", "channel", p.config.Channel, "error", err)
			}
			if !res.Allowed {
				return &RateLimitError{Recipient: r, Scope: "recipient", RetryAfter: res.RetryAfter}
			}
		}
		if p.hooks.Gate != nil {
			if err := p.hooks.Gate(ctx, r, admitted); err != nil {
				return err
			}
		}
		admitted = append(admitted, r)
	}
	return nil
}

func (p *Pipeline) render(ctx context.Context, alarm domain.Alarm, logger *slog.Logger) Content {
	if p.deps.Renderer == nil {
		return DefaultContent(p.config.Channel, alarm)
	}

	content, err := p.deps.Renderer.Render(ctx, p.config.Channel, alarm.Type(), alarm)
	if err != nil || content.Body == "" {
		logger.Warn("template render failed, using fallback", "alarm_type", alarm.Type(), "error", err)
		return DefaultContent(p.config.Channel, alarm)
	}
	return content
}

// fanOut calls deliver for every recipient concurrently and waits for all of them.
func (p *Pipeline) fanOut(ctx context.Context, recipients []string, content Content, deliver DeliverFunc) ([]RecipientResult, []Delivery) {
	results := make([]RecipientResult, len(recipients))
	deliveries := make([]Delivery, len(recipients))

	var g errgroup.Group
	if p.config.Concurrency > 0 {
		g.SetLimit(p.config.Concurrency)
	}

	op := string(p.config.Channel) + " send"
	for i, recipient := range recipients {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					err := &ProviderError{
						Provider: p.config.Provider,
						Status:   http.StatusInternalServerError,
						Message:  fmt.Sprintf("panic: %v", rec),
					}
					results[i] = FailedResult(recipient, err)
				}
			}()

			callCtx := ctx
			if p.config.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
				defer cancel()
			}

			d, err := deliver(callCtx, recipient, content)
			if err != nil {
				err = Canonicalize(op, err)
				results[i] = FailedResult(recipient, err)
				return nil
			}

			deliveries[i] = d
			results[i] = RecipientResult{Recipient: recipient, Success: true, ProviderID: d.ProviderID}
			return nil
		})
	}
	_ = g.Wait()

	return results, deliveries
}
