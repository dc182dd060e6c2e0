package notifications

import (
	"net/http"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Handler exposes channel availability.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new notifications handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers channel routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/channels", h.ListChannels)
}

// ChannelStatus describes one registered channel.
type ChannelStatus struct {
	Type  domain.ChannelType `json:"type"`
	Ready bool               `json:"ready"`
}

// ChannelsResponse is returned by GET /channels.
type ChannelsResponse struct {
	Available []domain.ChannelType `json:"available"`
	Channels  []ChannelStatus      `json:"channels"`
}

// ListChannels handles GET /channels.
func (h *Handler) ListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := h.registry.Channels()
	resp := ChannelsResponse{
		Available: h.registry.AvailableChannels(),
		Channels:  make([]ChannelStatus, 0, len(channels)),
	}
	for _, ch := range channels {
		resp.Channels = append(resp.Channels, ChannelStatus{Type: ch.Type(), Ready: ch.Ready()})
	}

	httputil.Success(w, http.StatusOK, resp)
}
