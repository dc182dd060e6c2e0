// Package postgres provides PostgreSQL implementation of the DLQ repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/dlq"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, channel, alarm_snapshot, recipient, error_type, error_message, attempts, created_at, updated_at`

// Repository implements dlq.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert stores items in one batch.
func (r *Repository) Insert(ctx context.Context, items []dlq.Item) error {
	query := `
		INSERT INTO dlq_items (id, channel, alarm_snapshot, recipient, error_type, error_message, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	batch := &pgx.Batch{}
	for _, it := range items {
		snapshot, err := json.Marshal(it.Alarm)
		if err != nil {
			return fmt.Errorf("marshal alarm snapshot: %w", err)
		}
		batch.Queue(query,
			it.ID,
			it.Channel,
			snapshot,
			it.Recipient,
			it.ErrorType,
			it.ErrorMessage,
			it.Attempts,
			it.CreatedAt,
			it.UpdatedAt,
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert dlq items: %w", err)
	}
	return nil
}

// Get retrieves an item by ID.
func (r *Repository) Get(ctx context.Context, id string) (*dlq.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM dlq_items WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dlq.ErrItemNotFound
		}
		return nil, fmt.Errorf("get dlq item: %w", err)
	}
	return item, nil
}

// List returns the newest items first.
func (r *Repository) List(ctx context.Context, limit int) ([]dlq.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM dlq_items ORDER BY created_at DESC, id LIMIT $1`
	return r.query(ctx, query, limit)
}

// ListOldest returns the oldest items below maxAttempts.
func (r *Repository) ListOldest(ctx context.Context, limit, maxAttempts int) ([]dlq.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM dlq_items
		WHERE attempts < $2
		ORDER BY created_at ASC, id
		LIMIT $1
	`
	return r.query(ctx, query, limit, maxAttempts)
}

// RecordAttempt increments attempts and stores the latest error.
func (r *Repository) RecordAttempt(ctx context.Context, id string, errorType dlq.ErrorType, message string) (*dlq.Item, error) {
	query := `
		UPDATE dlq_items
		SET attempts = attempts + 1, error_type = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + itemColumns
	item, err := scanItem(r.db.QueryRow(ctx, query, id, errorType, message))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dlq.ErrItemNotFound
		}
		return nil, fmt.Errorf("record dlq attempt: %w", err)
	}
	return item, nil
}

// Delete removes an item.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM dlq_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dlq item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dlq.ErrItemNotFound
	}
	return nil
}

// Stats aggregates items by channel and error type.
func (r *Repository) Stats(ctx context.Context) (dlq.Stats, error) {
	query := `
		SELECT channel, error_type, COUNT(*), MIN(created_at)
		FROM dlq_items
		GROUP BY channel, error_type
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return dlq.Stats{}, fmt.Errorf("dlq stats: %w", err)
	}
	defer rows.Close()

	stats := dlq.Stats{
		ByChannel:   make(map[domain.ChannelType]int),
		ByErrorType: make(map[dlq.ErrorType]int),
	}
	for rows.Next() {
		var (
			channel   domain.ChannelType
			errorType dlq.ErrorType
			count     int
			oldest    time.Time
		)
		if err := rows.Scan(&channel, &errorType, &count, &oldest); err != nil {
			return dlq.Stats{}, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats.Total += count
		stats.ByChannel[channel] += count
		stats.ByErrorType[errorType] += count
		if stats.OldestAt == nil || oldest.Before(*stats.OldestAt) {
			stats.OldestAt = &oldest
		}
	}
	if err := rows.Err(); err != nil {
		return dlq.Stats{}, fmt.Errorf("iterate dlq stats: %w", err)
	}
	return stats, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]dlq.Item, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	defer rows.Close()

	var items []dlq.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dlq items: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (*dlq.Item, error) {
	var (
		item     dlq.Item
		snapshot []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.Channel,
		&snapshot,
		&item.Recipient,
		&item.ErrorType,
		&item.ErrorMessage,
		&item.Attempts,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &item.Alarm); err != nil {
		return nil, fmt.Errorf("unmarshal alarm snapshot: %w", err)
	}
	return &item, nil
}
