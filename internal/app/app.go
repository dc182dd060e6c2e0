// Package app wires the delivery engine and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/circuitbreaker"
	"github.com/bissquit/alarm-dispatch/internal/config"
	"github.com/bissquit/alarm-dispatch/internal/delivery"
	"github.com/bissquit/alarm-dispatch/internal/dlq"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/metrics"
	"github.com/bissquit/alarm-dispatch/internal/pkg/postgres"
	"github.com/bissquit/alarm-dispatch/internal/pkg/redisx"
	"github.com/bissquit/alarm-dispatch/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	logCloser     io.Closer
	db            *pgxpool.Pool
	rdb           *redis.Client
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc

	registry    *notifications.Registry
	monitor     *circuitbreaker.Monitor
	reprocessor *dlq.Reprocessor
	dlq         *dlq.Service
	engine      *delivery.Engine
	handlers    handlers
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger, logCloser := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			db.Close()
			_ = logCloser.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = redisx.NewClient(connectCtx, redisx.Config{URL: cfg.Redis.URL})
		if err != nil {
			db.Close()
			_ = logCloser.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	} else {
		logger.Warn("redis not configured, rate limits and flag overrides are process-local")
	}

	registerCollector(metrics.NewDBPoolCollector(db))
	metrics.RecordBuildInfo(version.Version, version.GitCommit)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
		db:        db,
		rdb:       rdb,
		bgCancel:  bgCancel,
	}

	if err := app.setupDelivery(bgCtx); err != nil {
		app.closeStores()
		bgCancel()
		return nil, fmt.Errorf("setup delivery: %w", err)
	}

	go app.collectDLQMetrics(bgCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
		"channels", a.registry.AvailableChannels(),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops background loops, then the servers, then closes channels and stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.stopBackground()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.registry.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("close channels: %w", err))
	}

	a.closeStores()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Engine returns the delivery engine used by alarm consumers.
func (a *App) Engine() *delivery.Engine {
	return a.engine
}

// Registry returns the channel registry.
func (a *App) Registry() *notifications.Registry {
	return a.registry
}

func (a *App) stopBackground() {
	if a.reprocessor != nil {
		a.reprocessor.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.bgCancel()
}

func (a *App) closeStores() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("failed to close redis", "error", err)
		}
	}
	a.db.Close()
	if err := a.logCloser.Close(); err != nil {
		a.logger.Error("failed to close log output", "error", err)
	}
}

func (a *App) collectDLQMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Stats publishes the dlq size gauge.
			if _, err := a.dlq.Stats(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("failed to get dlq stats", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// registerCollector tolerates repeated registration when several apps share a process.
func registerCollector(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			slog.Error("failed to register collector", "error", err)
		}
	}
}
