package app

import (
	"context"
	"net/http"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/identity"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/bissquit/alarm-dispatch/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const readinessTimeout = 2 * time.Second

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/v1", func(r chi.Router) {
		if a.config.Auth.JWTSecret != "" {
			r.Use(httputil.AuthMiddleware(identity.NewTokenValidator(a.config.Auth.JWTSecret, a.config.Auth.Issuer)))
			r.Use(httputil.RequireRole(domain.RoleOperator))
		} else {
			a.logger.Warn("auth.jwt_secret is empty, operator API is not authenticated")
		}

		a.handlers.channels.RegisterRoutes(r)
		a.handlers.breakers.RegisterRoutes(r)
		a.handlers.dlq.RegisterRoutes(r)
		a.handlers.delivery.RegisterRoutes(r)
		if a.handlers.pool != nil {
			a.handlers.pool.RegisterRoutes(r)
		}
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

// readyzHandler reports ready when the stores answer and at least one channel can send.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	logger := ctxlog.FromContext(r.Context())

	if err := a.db.Ping(ctx); err != nil {
		logger.Error("readiness check failed", "component", "database", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			logger.Error("readiness check failed", "component", "redis", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	if len(a.registry.AvailableChannels()) == 0 {
		logger.Error("readiness check failed", "component", "channels")
		httputil.Text(w, http.StatusServiceUnavailable, "No channels available")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}
