package modempool

import (
	"net/http"

	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Handler exposes modem pool status.
type Handler struct {
	pool *Pool
}

// NewHandler creates a new modem pool handler.
func NewHandler(pool *Pool) *Handler {
	return &Handler{pool: pool}
}

// RegisterRoutes registers modem pool routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sms/pool", h.Status)
}

// Status handles GET /sms/pool.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.pool.GetPoolStatus(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.Success(w, http.StatusOK, status)
}
