package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
)

type contextKey string

// Context keys for the authenticated operator.
const (
	SubjectKey contextKey = "subject"
	RoleKey    contextKey = "role"
)

// TokenValidator validates operator bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (subject string, role domain.Role, err error)
}

// AuthMiddleware requires a valid bearer token and stores the operator in the context.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			subject, role, err := validator.ValidateToken(r.Context(), strings.TrimSpace(token))
			if err != nil {
				ctxlog.FromContext(r.Context()).Warn("operator token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			ctx = context.WithValue(ctx, RoleKey, role)
			ctx = ctxlog.With(ctx, "operator", subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role is below minRole.
func RequireRole(minRole domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(RoleKey).(domain.Role)
			if !ok {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !role.HasPermission(minRole) {
				Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetSubject extracts the operator subject from context.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

// GetRole extracts the operator role from context.
func GetRole(ctx context.Context) domain.Role {
	if role, ok := ctx.Value(RoleKey).(domain.Role); ok {
		return role
	}
	return ""
}
