package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/ledger"
)

// RecordStatus is the latest known sync state of a record, projected from
// the audit ledger.
type RecordStatus struct {
	RecordID        string          `json:"record_id"`
	JobID           string          `json:"job_id,omitempty"`
	State           domain.JobState `json:"state,omitempty"`
	BaselineVersion int64           `json:"baseline_version"`
	LastSequence    uint64          `json:"last_sequence_no"`
	LastError       string          `json:"last_error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EntryRanger reads ledger entries by sequence.
type EntryRanger interface {
	Range(ctx context.Context, from, to uint64) ([]domain.AuditEntry, error)
}

// StatusService keeps a per-record read model of the ledger. Entries are
// folded strictly in sequence order; an entry that arrives ahead of a gap
// (another instance wrote the missing ones) waits until the gap is read
// back from the store.
type StatusService struct {
	mu      sync.RWMutex
	records map[string]*RecordStatus
	last    uint64
	ahead   map[uint64]domain.AuditEntry
}

func NewStatusService() *StatusService {
	return &StatusService{
		records: make(map[string]*RecordStatus),
		ahead:   make(map[uint64]domain.AuditEntry),
	}
}

// Apply folds one entry into the read model. It is a ledger.Handler;
// entries at or below the last applied sequence are ignored.
func (s *StatusService) Apply(e domain.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Sequence <= s.last {
		return
	}
	s.ahead[e.Sequence] = e
	for {
		next, ok := s.ahead[s.last+1]
		if !ok {
			return
		}
		delete(s.ahead, next.Sequence)
		s.fold(next)
	}
}

// Last returns the highest sequence folded into the read model.
func (s *StatusService) Last() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *StatusService) fold(e domain.AuditEntry) {
	s.last = e.Sequence

	st, ok := s.records[e.RecordID]
	if !ok {
		st = &RecordStatus{RecordID: e.RecordID}
		s.records[e.RecordID] = st
	}
	st.LastSequence = e.Sequence
	st.UpdatedAt = e.Timestamp

	if e.EventKind == domain.EventBaselineSaveFailed {
		var p domain.BaselineSaveFailedPayload
		if err := ledger.DecodeData(e, &p); err == nil && st.BaselineVersion == p.BaselineVersion {
			st.BaselineVersion = p.BaselineVersion - 1
			st.LastError = "baseline not saved: " + p.Error
		}
		return
	}
	if e.EventKind != domain.EventJobTransition {
		return
	}
	var p domain.TransitionPayload
	if err := ledger.DecodeData(e, &p); err != nil {
		log.WithError(err).WithField("sequence_no", e.Sequence).Warn("Skipping undecodable transition")
		return
	}
	if p.JobID != st.JobID {
		st.LastError = ""
	}
	st.JobID = p.JobID
	st.State = p.To
	switch p.To {
	case domain.StateCommitted:
		if p.BaselineVersion > 0 {
			st.BaselineVersion = p.BaselineVersion
		}
		st.LastError = ""
	case domain.StateValidationFailed, domain.StateRejected, domain.StateDeadLettered,
		domain.StateCancelled, domain.StateAwaitingReview:
		st.LastError = p.Reason
	}
}

// Rebuild replays the whole ledger into the read model.
func (s *StatusService) Rebuild(ctx context.Context, r EntryRanger) error {
	if err := s.CatchUp(ctx, r); err != nil {
		return fmt.Errorf("failed to rebuild record status: %w", err)
	}
	s.mu.RLock()
	n := len(s.records)
	s.mu.RUnlock()
	log.WithField("records", n).Info("Record status rebuilt from audit ledger")
	return nil
}

// CatchUp folds every stored entry past the last applied sequence.
func (s *StatusService) CatchUp(ctx context.Context, r EntryRanger) error {
	const page = 500
	for {
		from := s.Last() + 1
		entries, err := r.Range(ctx, from, from+page-1)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.Apply(e)
		}
		if len(entries) < page {
			return nil
		}
	}
}

// Follow tails the store until ctx is done so entries appended by other
// instances reach the read model.
func (s *StatusService) Follow(ctx context.Context, r EntryRanger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CatchUp(ctx, r); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to tail audit ledger")
			}
		}
	}
}

// Status returns the read model of a record.
func (s *StatusService) Status(recordID string) (RecordStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[recordID]
	if !ok {
		return RecordStatus{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)
	}
	return *st, nil
}
