package ledger

import (
	"context"
	"fmt"
	"sync"

	"lims-eln-sync/internal/domain"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && s.entries[n-1].Sequence >= e.Sequence {
		return fmt.Errorf("sequence %d already recorded", e.Sequence)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) LastEntry(context.Context) (domain.AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return domain.AuditEntry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.Sequence >= from && (to == 0 || e.Sequence <= to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ByRecord(_ context.Context, recordID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}
