package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lims-eln-sync/internal/domain"
)

// CursorRepository stores change feed resume points per system.
type CursorRepository struct {
	db *DB
}

func NewCursorRepository(db *DB) *CursorRepository {
	return &CursorRepository{db: db}
}

// GetCursor returns "" when no cursor was saved yet.
func (r *CursorRepository) GetCursor(ctx context.Context, system domain.System) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cursor string
	err := r.db.queryRow(ctx, `SELECT feed_cursor FROM feed_cursors WHERE source_system = ?`, string(system)).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get feed cursor: %w", err)
	}
	return cursor, nil
}

func (r *CursorRepository) SaveCursor(ctx context.Context, system domain.System, cursor string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.exec(ctx, `
		INSERT INTO feed_cursors (source_system, feed_cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_system) DO UPDATE SET feed_cursor = excluded.feed_cursor, updated_at = excluded.updated_at
	`, string(system), cursor, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save feed cursor: %w", err)
	}
	return nil
}
