package circuitbreaker

import (
	"net/http"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: domain.ErrUnknownChannelType, Status: http.StatusBadRequest},
	{Error: ErrBreakerNotFound, Status: http.StatusNotFound, Message: "circuit breaker not found"},
}

// Handler exposes breaker status and manual reset.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new circuit breaker handler.
func NewHandler(monitor *Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// RegisterRoutes registers circuit breaker routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/circuit-breakers", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/{channel}/reset", h.Reset)
	})
}

// Status handles GET /circuit-breakers.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.monitor.Status())
}

// Reset handles POST /circuit-breakers/{channel}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	channel, err := domain.ParseChannelType(chi.URLParam(r, "channel"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	snapshot, err := h.monitor.Reset(channel)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}
