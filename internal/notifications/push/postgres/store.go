// Package postgres provides the PostgreSQL device token store.
package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenStore implements push.TokenStore using PostgreSQL.
type TokenStore struct {
	db *pgxpool.Pool
}

// NewTokenStore creates a new PostgreSQL token store.
func NewTokenStore(db *pgxpool.Pool) *TokenStore {
	return &TokenStore{db: db}
}

// ListTokens returns the user's devices, most recently used first.
func (s *TokenStore) ListTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	query := `
		SELECT user_id, device_token, device_type, last_used_at
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY last_used_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.DeviceToken
	for rows.Next() {
		var t domain.DeviceToken
		if err := rows.Scan(&t.UserID, &t.DeviceToken, &t.DeviceType, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}
	return tokens, nil
}

// RemoveToken deletes a device token.
func (s *TokenStore) RemoveToken(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE device_token = $1`, token); err != nil {
		return fmt.Errorf("remove device token: %w", err)
	}
	return nil
}

// UpsertToken registers a device or refreshes its last use.
func (s *TokenStore) UpsertToken(ctx context.Context, t domain.DeviceToken) error {
	query := `
		INSERT INTO device_tokens (user_id, device_token, device_type, last_used_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_token) DO UPDATE
		SET user_id = EXCLUDED.user_id, device_type = EXCLUDED.device_type, last_used_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, t.UserID, t.DeviceToken, t.DeviceType); err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	return nil
}
