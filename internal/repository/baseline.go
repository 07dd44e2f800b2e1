package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

type BaselineRepository struct {
	db *DB
}

func NewBaselineRepository(db *DB) *BaselineRepository {
	return &BaselineRepository{db: db}
}

func (r *BaselineRepository) Get(ctx context.Context, recordID string) (*domain.Baseline, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT record_id, record_type, version, schema_version, lims, eln, committed_at
		FROM baselines
		WHERE record_id = ?
	`
	var (
		b           domain.Baseline
		lims, eln   sql.NullString
		committedAt string
	)
	err := r.db.queryRow(ctx, query, recordID).Scan(
		&b.RecordID, &b.RecordType, &b.Version, &b.SchemaVersion, &lims, &eln, &committedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBaselineNotFound
		}
		log.WithError(err).WithField("record_id", recordID).Error("Failed to get baseline")
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	if b.LIMS, err = decodeSnapshot(lims); err != nil {
		return nil, err
	}
	if b.ELN, err = decodeSnapshot(eln); err != nil {
		return nil, err
	}
	b.CommittedAt = parseTime(committedAt)
	return &b, nil
}

// Save stores a baseline whose Version is exactly one above the stored one
// (or 1 for a new record). A concurrent writer makes Save fail.
func (r *BaselineRepository) Save(ctx context.Context, b domain.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	lims, err := encodeSnapshot(b.LIMS)
	if err != nil {
		return err
	}
	eln, err := encodeSnapshot(b.ELN)
	if err != nil {
		return err
	}

	var res sql.Result
	if b.Version <= 1 {
		res, err = r.db.exec(ctx, `
			INSERT INTO baselines (record_id, record_type, version, schema_version, lims, eln, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (record_id) DO NOTHING
		`, b.RecordID, b.RecordType, b.Version, b.SchemaVersion, lims, eln, formatTime(b.CommittedAt))
	} else {
		res, err = r.db.exec(ctx, `
			UPDATE baselines
			SET record_type = ?, version = ?, schema_version = ?, lims = ?, eln = ?, committed_at = ?
			WHERE record_id = ? AND version = ?
		`, b.RecordType, b.Version, b.SchemaVersion, lims, eln, formatTime(b.CommittedAt), b.RecordID, b.Version-1)
	}
	if err != nil {
		log.WithError(err).WithField("record_id", b.RecordID).Error("Failed to save baseline")
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not determine rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("baseline of %s changed concurrently (expected version %d)", b.RecordID, b.Version-1)
	}
	log.WithFields(log.Fields{
		"record_id": b.RecordID,
		"version":   b.Version,
	}).Debug("Baseline saved")
	return nil
}

// RecordIDs lists every record with a baseline.
func (r *BaselineRepository) RecordIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.query(ctx, `SELECT record_id FROM baselines ORDER BY record_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeSnapshot(rec *domain.CanonicalRecord) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeSnapshot(s sql.NullString) (*domain.CanonicalRecord, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var rec domain.CanonicalRecord
	if err := json.Unmarshal([]byte(s.String), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &rec, nil
}
