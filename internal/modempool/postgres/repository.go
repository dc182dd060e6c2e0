// Package postgres provides the PostgreSQL modem roster.
package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements modempool.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ListEnabledModems returns enabled modems ordered by name.
func (r *Repository) ListEnabledModems(ctx context.Context) ([]domain.Modem, error) {
	query := `
		SELECT id, name, endpoint, is_enabled, created_at, updated_at
		FROM sms_modems
		WHERE is_enabled
		ORDER BY name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list modems: %w", err)
	}
	defer rows.Close()

	var modems []domain.Modem
	for rows.Next() {
		var m domain.Modem
		if err := rows.Scan(&m.ID, &m.Name, &m.Endpoint, &m.IsEnabled, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan modem: %w", err)
		}
		modems = append(modems, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modems: %w", err)
	}
	return modems, nil
}

// CreateModem registers a modem in the roster.
func (r *Repository) CreateModem(ctx context.Context, m *domain.Modem) error {
	query := `
		INSERT INTO sms_modems (name, endpoint, is_enabled)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	if err := r.db.QueryRow(ctx, query, m.Name, m.Endpoint, m.IsEnabled).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("create modem: %w", err)
	}
	return nil
}
