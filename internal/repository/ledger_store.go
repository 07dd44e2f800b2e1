package repository

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/ledger"
)

// LedgerStore persists the audit chain. Payload and timestamp are stored as
// the exact text that was hashed.
type LedgerStore struct {
	db *DB
}

func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) AppendEntry(ctx context.Context, e domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO audit_entries (sequence_no, prev_hash, entry_hash, record_id, event_kind, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.exec(ctx, query,
		int64(e.Sequence),
		e.PrevHash,
		e.EntryHash,
		e.RecordID,
		string(e.EventKind),
		string(e.Payload),
		ledger.Timestamp(e.Timestamp),
	)
	if err != nil {
		log.WithError(err).WithField("sequence_no", e.Sequence).Error("Failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `sequence_no, prev_hash, entry_hash, record_id, event_kind, payload, ts`

func (s *LedgerStore) LastEntry(ctx context.Context) (domain.AuditEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.queryRow(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence_no DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.AuditEntry{}, false, nil
		}
		return domain.AuditEntry{}, false, fmt.Errorf("failed to read ledger head: %w", err)
	}
	return e, true, nil
}

func (s *LedgerStore) Range(ctx context.Context, from, to uint64) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE sequence_no >= ?`
	args := []any{int64(from)}
	if to > 0 {
		query += ` AND sequence_no <= ?`
		args = append(args, int64(to))
	}
	query += ` ORDER BY sequence_no`
	return s.list(ctx, query, args...)
}

func (s *LedgerStore) ByRecord(ctx context.Context, recordID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.list(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE record_id = ? ORDER BY sequence_no`, recordID)
}

func (s *LedgerStore) list(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over audit entries: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.AuditEntry, error) {
	var (
		e       domain.AuditEntry
		seq     int64
		kind    string
		payload string
		ts      string
	)
	if err := row.Scan(&seq, &e.PrevHash, &e.EntryHash, &e.RecordID, &kind, &payload, &ts); err != nil {
		return domain.AuditEntry{}, err
	}
	e.Sequence = uint64(seq)
	e.EventKind = domain.EventKind(kind)
	e.Payload = []byte(payload)
	e.Timestamp = parseTime(ts)
	return e, nil
}
