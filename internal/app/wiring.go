package app

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/circuitbreaker"
	"github.com/bissquit/alarm-dispatch/internal/config"
	"github.com/bissquit/alarm-dispatch/internal/delivery"
	"github.com/bissquit/alarm-dispatch/internal/dlq"
	dlqpostgres "github.com/bissquit/alarm-dispatch/internal/dlq/postgres"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/flags"
	"github.com/bissquit/alarm-dispatch/internal/modempool"
	modempostgres "github.com/bissquit/alarm-dispatch/internal/modempool/postgres"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/notifications/email"
	"github.com/bissquit/alarm-dispatch/internal/notifications/push"
	pushpostgres "github.com/bissquit/alarm-dispatch/internal/notifications/push/postgres"
	"github.com/bissquit/alarm-dispatch/internal/notifications/sms"
	"github.com/bissquit/alarm-dispatch/internal/notifications/templates"
	"github.com/bissquit/alarm-dispatch/internal/notifications/voice"
	"github.com/bissquit/alarm-dispatch/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

const breakerProbeTimeout = 5 * time.Second

var errNoChannels = errors.New("no delivery channels enabled")

type handlers struct {
	channels *notifications.Handler
	breakers *circuitbreaker.Handler
	pool     *modempool.Handler
	dlq      *dlq.Handler
	delivery *delivery.Handler
}

// sharedDeps are the collaborators every channel pipeline gets.
type sharedDeps struct {
	flags    *flags.Service
	limiter  *ratelimit.RecipientLimiter
	renderer notifications.TemplateRenderer
	breakers circuitbreaker.Config
	monitor  *circuitbreaker.Monitor
}

// forChannel creates the channel breaker and registers it with the monitor.
func (s sharedDeps) forChannel(t domain.ChannelType) notifications.PipelineDeps {
	b := circuitbreaker.New(t, s.breakers)
	s.monitor.Add(b)
	return notifications.PipelineDeps{
		Limiter:  s.limiter,
		Breaker:  b,
		Flags:    s.flags,
		Renderer: s.renderer,
	}
}

func (a *App) setupDelivery(ctx context.Context) error {
	cfg := a.config

	// A nil *redis.Client must not reach the interface as a non-nil value.
	var cmd redis.Cmdable
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if a.rdb != nil {
		cmd = a.rdb
		store = ratelimit.NewRedisStore(a.rdb, cfg.Redis.Prefix)
	}

	flagService := flags.NewService(cmd, cfg.Redis.Prefix, flagDefaults(cfg.Flags))

	a.monitor = circuitbreaker.NewMonitor(circuitbreaker.MonitorConfig{
		Interval:     cfg.CircuitBreaker.ProbeInterval,
		ProbeTimeout: breakerProbeTimeout,
	})

	deps := sharedDeps{
		flags: flagService,
		limiter: ratelimit.NewRecipientLimiter(store, ratelimit.Policy{
			Limit:    cfg.RateLimit.RecipientLimit,
			Window:   cfg.RateLimit.RecipientWindow,
			FailOpen: cfg.RateLimit.RecipientFailOpen,
		}),
		breakers: circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			CoolDown:         cfg.CircuitBreaker.CoolDown,
		},
		monitor: a.monitor,
	}
	if cfg.Templates.URL != "" {
		deps.renderer = templates.NewClient(cfg.Templates.URL, cfg.Templates.Timeout)
	} else {
		a.logger.Warn("template service not configured, using built-in templates")
	}

	var channels []notifications.Channel

	if cfg.Email.Enabled {
		domains := ratelimit.NewDomainLimiter(store, ratelimit.Policy{
			Limit:    cfg.RateLimit.DomainLimit,
			Window:   cfg.RateLimit.DomainWindow,
			FailOpen: cfg.RateLimit.DomainFailOpen,
		})
		channels = append(channels, email.New(emailConfig(cfg.Email), deps.forChannel(domain.ChannelTypeEmail), flagService, domains))
	}

	if cfg.SMS.Enabled {
		pool := modempool.New(modempool.Config{
			MockServices:   cfg.SMS.MockServices,
			HealthInterval: cfg.SMS.HealthInterval,
		}, modempostgres.NewRepository(a.db), modempool.NewHTTPTransport(nil), flagService)
		a.handlers.pool = modempool.NewHandler(pool)

		channels = append(channels, sms.New(sms.Config{
			Service:     cfg.SMS.Service,
			Strict:      cfg.SMS.StrictRecipients,
			SendTimeout: cfg.SMS.SendTimeout,
		}, deps.forChannel(domain.ChannelTypeSMS), pool))
	}

	if cfg.Voice.Enabled {
		channels = append(channels, voice.New(voice.Config{
			Client: voice.ClientConfig{
				BaseURL:       cfg.Voice.APIURL,
				APIKey:        cfg.Voice.APIKey,
				Timeout:       cfg.Voice.Timeout,
				HealthTimeout: cfg.Voice.HealthTimeout,
			},
			Strict: cfg.Voice.StrictRecipients,
		}, deps.forChannel(domain.ChannelTypeVoice)))
	}

	if cfg.Push.Enabled {
		channels = append(channels, push.New(push.Config{
			FCM: push.FCMConfig{
				ServerKey:     cfg.Push.ServerKey,
				Endpoint:      cfg.Push.Endpoint,
				Timeout:       cfg.Push.Timeout,
				RatePerSecond: cfg.Push.RatePerSecond,
			},
		}, deps.forChannel(domain.ChannelTypePush), pushpostgres.NewTokenStore(a.db)))
	}

	if len(channels) == 0 {
		return errNoChannels
	}

	a.registry = notifications.NewRegistry(channels...)
	a.registry.InitializeAll(ctx)

	for _, ch := range a.registry.Channels() {
		if p, ok := ch.(notifications.Prober); ok {
			a.monitor.SetProbe(ch.Type(), p.Probe)
		}
	}
	a.monitor.Start(ctx)

	a.dlq = dlq.NewService(dlq.Config{
		MaxAttempts:  cfg.DLQ.MaxAttempts,
		DefaultLimit: cfg.DLQ.DefaultLimit,
		MaxLimit:     cfg.DLQ.MaxLimit,
	}, dlqpostgres.NewRepository(a.db), a.registry)

	a.reprocessor = dlq.NewReprocessor(dlq.ReprocessorConfig{
		Interval:  cfg.DLQ.AutoInterval,
		BatchSize: cfg.DLQ.AutoBatchSize,
	}, a.dlq, flagService)
	a.reprocessor.Start(ctx)

	a.engine = delivery.NewEngine(a.registry, a.dlq)

	a.handlers.channels = notifications.NewHandler(a.registry)
	a.handlers.breakers = circuitbreaker.NewHandler(a.monitor)
	a.handlers.dlq = dlq.NewHandler(a.dlq)
	a.handlers.delivery = delivery.NewHandler(a.engine)

	return nil
}

func flagDefaults(cfg config.FlagsConfig) flags.Defaults {
	return flags.Defaults{
		notifications.FlagRateLimiting:     cfg.RateLimitingEnabled,
		notifications.FlagCircuitBreaker:   cfg.CircuitBreakerEnabled,
		notifications.FlagSMSMockMode:      cfg.SMSMockMode,
		notifications.FlagEmailMockMode:    cfg.EmailMockMode,
		notifications.FlagDLQAutoReprocess: cfg.DLQAutoReprocessEnabled,
	}
}

func emailConfig(cfg config.EmailConfig) email.Config {
	timeouts := func(s email.ServerConfig) email.ServerConfig {
		s.ConnectTimeout = cfg.ConnectTimeout
		s.GreetingTimeout = cfg.GreetingTimeout
		s.SocketTimeout = cfg.SocketTimeout
		return s
	}
	return email.Config{
		FromAddress: cfg.FromAddress,
		Strict:      cfg.StrictRecipients,
		Mock:        timeouts(email.ServerConfig{Host: cfg.MockSMTPHost, Port: cfg.MockSMTPPort}),
		Real: email.PoolConfig{
			ServerConfig: timeouts(email.ServerConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUser,
				Password: cfg.SMTPPassword,
			}),
			MaxConnections: cfg.MaxConnections,
			MaxMessages:    cfg.MaxMessages,
			RatePerSecond:  cfg.RatePerSecond,
		},
	}
}
