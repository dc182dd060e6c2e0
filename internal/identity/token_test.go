package identity

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-key-0123456789"

func TestTokenValidator_RoundTrip(t *testing.T) {
	v := NewTokenValidator(secret, "fleet")

	token, err := v.IssueToken("ops-1", domain.RoleOperator, time.Minute)
	require.NoError(t, err)

	subject, role, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", subject)
	assert.Equal(t, domain.RoleOperator, role)
}

func TestTokenValidator_Rejects(t *testing.T) {
	v := NewTokenValidator(secret, "fleet")

	expired, err := v.IssueToken("ops-1", domain.RoleAdmin, -time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewTokenValidator(secret, "elsewhere").IssueToken("ops-1", domain.RoleAdmin, time.Minute)
	require.NoError(t, err)

	wrongKey, err := NewTokenValidator("another-secret-key-abcdef", "fleet").IssueToken("ops-1", domain.RoleAdmin, time.Minute)
	require.NoError(t, err)

	unknownRole, err := v.IssueToken("ops-1", domain.Role("viewer"), time.Minute)
	require.NoError(t, err)

	noSubject, err := v.IssueToken("", domain.RoleAdmin, time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1", Issuer: "fleet"},
		Role:             domain.RoleAdmin,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong issuer", otherIssuer, ErrInvalidClaims},
		{"wrong key", wrongKey, ErrInvalidToken},
		{"unknown role", unknownRole, ErrInvalidClaims},
		{"no subject", noSubject, ErrInvalidClaims},
		{"alg none", none, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := v.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, domain.RoleAdmin.HasPermission(domain.RoleOperator))
	assert.True(t, domain.RoleOperator.HasPermission(domain.RoleOperator))
	assert.False(t, domain.RoleOperator.HasPermission(domain.RoleAdmin))
	assert.False(t, domain.Role("").HasPermission(domain.RoleOperator))
}
