package notifications

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/circuitbreaker"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFlags map[string]bool

func (f staticFlags) IsEnabled(_ context.Context, name string) bool { return f[name] }

type stubRenderer struct {
	content Content
	err     error
}

func (r stubRenderer) Render(context.Context, domain.ChannelType, string, domain.Alarm) (Content, error) {
	return r.content, r.err
}

var testAlarm = domain.Alarm{
	ID:        "alarm-1",
	IMEI:      "356938035643809",
	Status:    "overspeed",
	Latitude:  55.7558,
	Longitude: 37.6173,
	Speed:     132,
	GPSTime:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
}

func allFlags() staticFlags {
	return staticFlags{FlagRateLimiting: true, FlagCircuitBreaker: true}
}

func okDeliver(calls *atomic.Int32) DeliverFunc {
	return func(_ context.Context, recipient string, _ Content) (Delivery, error) {
		calls.Add(1)
		return Delivery{ProviderID: "id-" + recipient}, nil
	}
}

func isPhone(r string) bool { return strings.HasPrefix(r, "+") }

func TestPipeline_ZeroRecipients(t *testing.T) {
	var calls atomic.Int32
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{}, Hooks{})

	res, err := p.Send(context.Background(), testAlarm, nil, okDeliver(&calls))

	assert.Nil(t, res)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, calls.Load())
}

func TestPipeline_NotReady(t *testing.T) {
	var calls atomic.Int32
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{}, Hooks{
		Ready: func() bool { return false },
	})

	_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, okDeliver(&calls))

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, calls.Load())
}

func TestPipeline_InvalidRecipients(t *testing.T) {
	t.Run("strict rejects all", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS, Strict: true}, PipelineDeps{}, Hooks{Validate: isPhone})

		_, err := p.Send(context.Background(), testAlarm, []string{"+1", "bad"}, okDeliver(&calls))

		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, []string{"bad"}, valErr.Invalid)
		assert.Zero(t, calls.Load())
	})

	t.Run("lenient sends valid subset", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{}, Hooks{Validate: isPhone})

		res, err := p.Send(context.Background(), testAlarm, []string{"+1", "bad", "+2"}, okDeliver(&calls))

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int32(2), calls.Load())
		require.Len(t, res.Recipients, 3)
		assert.Equal(t, 2, res.Succeeded())
		assert.Equal(t, "bad", res.Recipients[2].Recipient)
		assert.False(t, res.Recipients[2].Success)
	})

	t.Run("lenient with nothing valid", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{}, Hooks{Validate: isPhone})

		_, err := p.Send(context.Background(), testAlarm, []string{"bad"}, okDeliver(&calls))

		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Zero(t, calls.Load())
	})
}

func TestPipeline_RateLimit(t *testing.T) {
	limiter := ratelimit.NewRecipientLimiter(ratelimit.NewMemoryStore(), ratelimit.Policy{Limit: 1, Window: time.Minute})

	t.Run("second send is throttled", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{Limiter: limiter, Flags: allFlags()}, Hooks{})

		_, err := p.Send(context.Background(), testAlarm, []string{"+100"}, okDeliver(&calls))
		require.NoError(t, err)

		_, err = p.Send(context.Background(), testAlarm, []string{"+100"}, okDeliver(&calls))
		var rlErr *RateLimitError
		require.ErrorAs(t, err, &rlErr)
		assert.Equal(t, "+100", rlErr.Recipient)
		assert.Positive(t, rlErr.RetryAfter)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("flag disabled skips limiter", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{Limiter: limiter, Flags: staticFlags{}}, Hooks{})

		for i := 0; i < 3; i++ {
			_, err := p.Send(context.Background(), testAlarm, []string{"+200"}, okDeliver(&calls))
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gate aborts", func(t *testing.T) {
		var calls atomic.Int32
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeEmail}, PipelineDeps{Flags: allFlags()}, Hooks{
			Gate: func(_ context.Context, r string, _ []string) error {
				return &RateLimitError{Recipient: r, Scope: "domain", RetryAfter: 30}
			},
		})

		_, err := p.Send(context.Background(), testAlarm, []string{"a@example.com"}, okDeliver(&calls))

		var rlErr *RateLimitError
		require.ErrorAs(t, err, &rlErr)
		assert.Equal(t, "domain", rlErr.Scope)
		assert.Zero(t, calls.Load())
	})
}

func TestPipeline_PartialSuccess(t *testing.T) {
	breaker := circuitbreaker.New(domain.ChannelTypeSMS, circuitbreaker.Config{FailureThreshold: 3})
	breaker.RecordFailure()

	var (
		mu      sync.Mutex
		reached []string
	)
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS, Provider: "modem-pool"}, PipelineDeps{Breaker: breaker, Flags: allFlags()}, Hooks{
		AfterSuccess: func(_ context.Context, r string) {
			mu.Lock()
			reached = append(reached, r)
			mu.Unlock()
		},
	})

	deliver := func(_ context.Context, r string, _ Content) (Delivery, error) {
		if r == "+2" {
			return Delivery{}, &ProviderError{Provider: "modem", Status: http.StatusBadGateway, Message: "busy"}
		}
		return Delivery{ProviderID: "m-1", ModemID: "modem-a", ModemName: "A"}, nil
	}

	res, err := p.Send(context.Background(), testAlarm, []string{"+1", "+2"}, deliver)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "modem-pool", res.Provider)
	assert.Equal(t, "m-1", res.MessageID)
	assert.Equal(t, "modem-a", res.ModemID)
	assert.Equal(t, 1, res.Succeeded())
	assert.Contains(t, res.Recipients[1].Error, "busy")
	assert.Equal(t, []string{"+1"}, reached)
	assert.Equal(t, 0, breaker.State().ConsecutiveFailures)
}

func TestPipeline_TotalFailure(t *testing.T) {
	breaker := circuitbreaker.New(domain.ChannelTypeSMS, circuitbreaker.Config{FailureThreshold: 3, CoolDown: time.Hour})
	var calls atomic.Int32
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{Breaker: breaker, Flags: allFlags()}, Hooks{})

	deliver := func(context.Context, string, Content) (Delivery, error) {
		calls.Add(1)
		return Delivery{}, errors.New("connection refused")
	}

	for i := 0; i < 3; i++ {
		_, err := p.Send(context.Background(), testAlarm, []string{"+1", "+2"}, deliver)

		var failure *DeliveryFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, []string{"+1", "+2"}, failure.FailedRecipients())
		var netErr *NetworkError
		assert.ErrorAs(t, err, &netErr)
		assert.True(t, IsRetryable(err))
	}

	assert.Equal(t, circuitbreaker.StateOpen, breaker.State().State)

	// Advisory policy still calls the provider.
	_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, deliver)
	require.Error(t, err)
	assert.Equal(t, int32(7), calls.Load())
}

func TestPipeline_BlockingPolicy(t *testing.T) {
	var calls atomic.Int32

	t.Run("open breaker refuses", func(t *testing.T) {
		breaker := circuitbreaker.New(domain.ChannelTypeVoice, circuitbreaker.Config{FailureThreshold: 1, CoolDown: time.Hour})
		breaker.RecordFailure()
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeVoice, Policy: PolicyBlocking}, PipelineDeps{Breaker: breaker, Flags: allFlags()}, Hooks{})

		_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, okDeliver(&calls))

		var provErr *ProviderError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, http.StatusServiceUnavailable, provErr.Status)
		assert.True(t, IsRetryable(err))
	})

	t.Run("unhealthy refuses", func(t *testing.T) {
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeVoice, Policy: PolicyBlocking}, PipelineDeps{}, Hooks{
			Healthy: func() bool { return false },
		})

		_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, okDeliver(&calls))

		var provErr *ProviderError
		require.ErrorAs(t, err, &provErr)
	})

	t.Run("breaker flag disabled bypasses", func(t *testing.T) {
		breaker := circuitbreaker.New(domain.ChannelTypeVoice, circuitbreaker.Config{FailureThreshold: 1, CoolDown: time.Hour})
		breaker.RecordFailure()
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeVoice, Policy: PolicyBlocking}, PipelineDeps{Breaker: breaker, Flags: staticFlags{}}, Hooks{})

		_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, okDeliver(&calls))
		require.NoError(t, err)
	})

	assert.Equal(t, int32(1), calls.Load())
}

func TestPipeline_ValidationFailuresDoNotTripBreaker(t *testing.T) {
	breaker := circuitbreaker.New(domain.ChannelTypeSMS, circuitbreaker.Config{FailureThreshold: 1})
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeSMS}, PipelineDeps{Breaker: breaker, Flags: allFlags()}, Hooks{})

	deliver := func(context.Context, string, Content) (Delivery, error) {
		return Delivery{}, &ProviderError{Provider: "x", Status: http.StatusBadRequest, Message: "bad number"}
	}
	_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, deliver)

	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State().State)
}

func TestPipeline_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	breaker := circuitbreaker.New(domain.ChannelTypeVoice, circuitbreaker.Config{FailureThreshold: 1, CoolDown: time.Hour})
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeVoice, Policy: PolicyBlocking}, PipelineDeps{Breaker: breaker, Flags: allFlags()}, Hooks{})

	deliver := func(ctx context.Context, _ string, _ Content) (Delivery, error) {
		<-ctx.Done()
		return Delivery{}, &NetworkError{Op: "call", Err: ctx.Err()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Send(ctx, testAlarm, []string{"+1"}, deliver)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State().State)
	assert.Zero(t, breaker.State().ConsecutiveFailures)
	assert.False(t, countsAgainstBreaker(err))
}

func TestPipeline_PanicIsContained(t *testing.T) {
	var calls atomic.Int32
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypePush}, PipelineDeps{}, Hooks{})

	deliver := func(ctx context.Context, r string, c Content) (Delivery, error) {
		if r == "u2" {
			panic("boom")
		}
		return okDeliver(&calls)(ctx, r, c)
	}

	res, err := p.Send(context.Background(), testAlarm, []string{"u1", "u2"}, deliver)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded())
	assert.Contains(t, res.Recipients[1].Error, "panic: boom")
}

func TestPipeline_Timeout(t *testing.T) {
	p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeVoice, Timeout: 20 * time.Millisecond}, PipelineDeps{}, Hooks{})

	deliver := func(ctx context.Context, _ string, _ Content) (Delivery, error) {
		<-ctx.Done()
		return Delivery{}, ctx.Err()
	}

	_, err := p.Send(context.Background(), testAlarm, []string{"+1"}, deliver)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
}

func TestPipeline_Rendering(t *testing.T) {
	capture := func(got *Content) DeliverFunc {
		return func(_ context.Context, _ string, c Content) (Delivery, error) {
			*got = c
			return Delivery{}, nil
		}
	}

	t.Run("renderer output", func(t *testing.T) {
		var got Content
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeEmail}, PipelineDeps{
			Renderer: stubRenderer{content: Content{Subject: "S", Body: "B"}},
		}, Hooks{})

		_, err := p.Send(context.Background(), testAlarm, []string{"a@b.c"}, capture(&got))
		require.NoError(t, err)
		assert.Equal(t, Content{Subject: "S", Body: "B"}, got)
	})

	t.Run("fallback on error", func(t *testing.T) {
		var got Content
		p := NewPipeline(PipelineConfig{Channel: domain.ChannelTypeEmail}, PipelineDeps{
			Renderer: stubRenderer{err: errors.New("template service down")},
		}, Hooks{})

		_, err := p.Send(context.Background(), testAlarm, []string{"a@b.c"}, capture(&got))
		require.NoError(t, err)
		assert.Equal(t, "[Alarm] Overspeed - 356938035643809", got.Subject)
		assert.Contains(t, got.Body, "Speed: 132 km/h")
	})
}

func TestRegistry(t *testing.T) {
	ready := &fakeChannel{typ: domain.ChannelTypeSMS, ready: true}
	notReady := &fakeChannel{typ: domain.ChannelTypeVoice, initErr: errors.New("no api url")}
	r := NewRegistry(ready, notReady)

	r.InitializeAll(context.Background())

	assert.Equal(t, []domain.ChannelType{domain.ChannelTypeSMS}, r.AvailableChannels())
	assert.Len(t, r.Channels(), 2)

	_, err := r.Get(domain.ChannelTypePush)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	res, err := r.Send(context.Background(), domain.ChannelTypeSMS, testAlarm, []string{"+1"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	notReady.closeErr = errors.New("close failed")
	err = r.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close voice")
	assert.True(t, ready.closed)
}

type fakeChannel struct {
	typ      domain.ChannelType
	ready    bool
	initErr  error
	closeErr error
	closed   bool
}

func (f *fakeChannel) Type() domain.ChannelType { return f.typ }

func (f *fakeChannel) Initialize(context.Context) error { return f.initErr }

func (f *fakeChannel) Ready() bool { return f.ready }

func (f *fakeChannel) ValidateRecipients(r []string) ([]string, []string) { return r, nil }

func (f *fakeChannel) Send(_ context.Context, _ domain.Alarm, r []string) (*DeliveryResult, error) {
	return &DeliveryResult{Success: true, Channel: f.typ, Recipients: []RecipientResult{{Recipient: r[0], Success: true}}}, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return f.closeErr
}
