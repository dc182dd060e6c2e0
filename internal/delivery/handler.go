package delivery

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/alarm-dispatch/internal/dlq"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler exposes operator test sends.
type Handler struct {
	engine    *Engine
	validator *validator.Validate
}

// NewHandler creates a new delivery handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{
		engine:    engine,
		validator: validator.New(),
	}
}

// RegisterRoutes registers delivery routes (operator only).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/deliveries", h.Deliver)
}

// DeliverRequest represents the request body for a send.
type DeliverRequest struct {
	Channel    string       `json:"channel" validate:"required,oneof=email sms voice push"`
	Alarm      domain.Alarm `json:"alarm"`
	Recipients []string     `json:"recipients" validate:"required,min=1,max=100,dive,required"`
}

// Deliver handles POST /deliveries request.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	var req DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}
	if req.Alarm.ID == "" || req.Alarm.IMEI == "" {
		httputil.Error(w, http.StatusBadRequest, "alarm id and imei are required")
		return
	}

	channel, err := domain.ParseChannelType(req.Channel)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.engine.Deliver(r.Context(), channel, req.Alarm, req.Recipients)
	if err != nil {
		var rlErr *notifications.RateLimitError
		if errors.As(err, &rlErr) && statusFor(err) == http.StatusTooManyRequests {
			httputil.RateLimited(w, rlErr.RetryAfter, out)
			return
		}
		httputil.Success(w, statusFor(err), out)
		return
	}

	httputil.Success(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch dlq.Classify(err) {
	case dlq.ErrorTypeValidation:
		return http.StatusBadRequest
	case dlq.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case dlq.ErrorTypeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
