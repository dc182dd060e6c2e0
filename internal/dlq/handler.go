package dlq

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound},
	{Error: ErrMaxAttemptsReached, Status: http.StatusConflict},
}

// Handler handles HTTP requests for the dead letter queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new DLQ handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers DLQ routes (operator only).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/items", h.ListItems)
		r.Post("/reprocess/{id}", h.Reprocess)
		r.Post("/reprocess-batch", h.ReprocessBatch)
	})
}

// ReprocessBatchRequest represents the request body for a batch replay.
type ReprocessBatchRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1"`
}

// Stats handles GET /dlq/stats request.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// ListItems handles GET /dlq/items?limit=N request.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	items, err := h.service.List(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if items == nil {
		items = []Item{}
	}

	httputil.Success(w, http.StatusOK, items)
}

// Reprocess handles POST /dlq/reprocess/{id} request.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.validator.Var(id, "required,uuid"); err != nil {
		httputil.Error(w, http.StatusBadRequest, "id must be a uuid")
		return
	}

	res, err := h.service.Reprocess(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, res)
}

// ReprocessBatch handles POST /dlq/reprocess-batch request. An empty body uses the default limit.
func (h *Handler) ReprocessBatch(w http.ResponseWriter, r *http.Request) {
	var req ReprocessBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	res, err := h.service.ReprocessBatch(r.Context(), req.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, res)
}
