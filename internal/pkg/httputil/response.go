// Package httputil holds the JSON envelopes and middleware shared by the API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
)

type errorBody struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

// JSON writes body as is, without the data envelope.
func JSON(w http.ResponseWriter, status int, body any) {
	writeJSON(w, status, body)
}

// Text writes a plain text body.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "status", status, "error", err)
	}
}

// Success wraps data as {"data": ...}.
func Success(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

// RateLimited answers 429 with a Retry-After header in seconds and data in the envelope.
// A non-positive retryAfter omits the header.
func RateLimited(w http.ResponseWriter, retryAfter int, data any) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	Success(w, http.StatusTooManyRequests, data)
}

// Error writes {"error": {"message": ...}}.
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Message: message}})
}

// ValidationError answers 400. Validator failures become a list of field/tag pairs,
// any other error is reported by its text.
func ValidationError(w http.ResponseWriter, err error) {
	var details any = err.Error()

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldError{Field: fe.Field(), Message: fe.Tag()})
		}
		details = fields
	}

	writeJSON(w, http.StatusBadRequest, map[string]errorBody{
		"error": {Message: "validation error", Details: details},
	})
}
