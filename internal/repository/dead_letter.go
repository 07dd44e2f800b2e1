package repository

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

type DeadLetterRepository struct {
	db *DB
}

func NewDeadLetterRepository(db *DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Add(ctx context.Context, dl domain.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO dead_letters (job_id, record_id, operation, source_system, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err := r.db.exec(ctx, query, dl.JobID, dl.RecordID, dl.Operation, string(dl.System), dl.Attempts, dl.LastError, formatTime(dl.CreatedAt))
	if err != nil {
		log.WithError(err).WithField("job_id", dl.JobID).Error("Failed to store dead letter")
		return fmt.Errorf("failed to store dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.query(ctx, `
		SELECT job_id, record_id, operation, source_system, attempts, last_error, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl        domain.DeadLetter
			system    string
			createdAt string
		)
		if err := rows.Scan(&dl.JobID, &dl.RecordID, &dl.Operation, &system, &dl.Attempts, &dl.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		dl.System = domain.System(system)
		dl.CreatedAt = parseTime(createdAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}
