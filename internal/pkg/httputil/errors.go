package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // empty means err.Error()
}

// HandleError writes the first matching mapping, or logs err and writes 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		ctxlog.FromContext(ctx).Warn("request timed out", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
