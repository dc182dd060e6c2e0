// Package identity authenticates operator API callers with HS256 bearer tokens.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims are the operator token claims.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// TokenValidator checks operator tokens issued by the fleet platform.
type TokenValidator struct {
	secret []byte
	issuer string
}

// NewTokenValidator creates a validator. An empty issuer accepts any issuer.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken returns the subject and role of a valid token.
func (v *TokenValidator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	if tokenString == "" {
		return "", "", ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidClaims
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", "", ErrInvalidClaims
	}
	if claims.Subject == "" || !claims.Role.IsValid() {
		return "", "", ErrInvalidClaims
	}

	return claims.Subject, claims.Role, nil
}

// IssueToken signs a token for subject. Used by tooling and tests.
func (v *TokenValidator) IssueToken(subject string, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
