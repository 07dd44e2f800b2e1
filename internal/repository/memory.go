package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lims-eln-sync/internal/domain"
)

// In-memory stores back the lite mode without a database and the service
// tests. They follow the same contracts as the SQL stores.

type MemoryBaselines struct {
	mu   sync.RWMutex
	rows map[string]domain.Baseline
}

func NewMemoryBaselines() *MemoryBaselines {
	return &MemoryBaselines{rows: make(map[string]domain.Baseline)}
}

func (m *MemoryBaselines) Get(_ context.Context, recordID string) (*domain.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.rows[recordID]
	if !ok {
		return nil, domain.ErrBaselineNotFound
	}
	return &b, nil
}

func (m *MemoryBaselines) Save(_ context.Context, b domain.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[b.RecordID]
	switch {
	case !ok && b.Version <= 1:
	case ok && cur.Version == b.Version-1:
	default:
		return fmt.Errorf("baseline of %s changed concurrently (expected version %d)", b.RecordID, b.Version-1)
	}
	m.rows[b.RecordID] = b
	return nil
}

func (m *MemoryBaselines) RecordIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type MemoryJobs struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.SyncJob
	byKey map[string]string
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]*domain.SyncJob), byKey: make(map[string]string)}
}

func (m *MemoryJobs) Save(_ context.Context, job *domain.SyncJob, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; !exists && idempotencyKey != "" {
		if other, taken := m.byKey[idempotencyKey]; taken {
			return fmt.Errorf("idempotency key %q already used by job %s", idempotencyKey, other)
		}
		m.byKey[idempotencyKey] = job.JobID
	}
	m.jobs[job.JobID] = job.Clone()
	return nil
}

func (m *MemoryJobs) Get(_ context.Context, jobID string) (*domain.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryJobs) GetByIdempotencyKey(ctx context.Context, key string) (*domain.SyncJob, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryJobs) ListByStates(_ context.Context, states ...domain.JobState) ([]*domain.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[domain.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*domain.SyncJob
	for _, job := range m.jobs {
		if want[job.State] {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type MemoryDeadLetters struct {
	mu   sync.RWMutex
	rows []domain.DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) Add(_ context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.JobID == dl.JobID {
			return nil
		}
	}
	m.rows = append(m.rows, dl)
	return nil
}

// List returns the newest dead letters first.
func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DeadLetter, 0, len(m.rows))
	for i := len(m.rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

type MemoryCursors struct {
	mu      sync.RWMutex
	cursors map[domain.System]string
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[domain.System]string)}
}

func (m *MemoryCursors) GetCursor(_ context.Context, system domain.System) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[system], nil
}

func (m *MemoryCursors) SaveCursor(_ context.Context, system domain.System, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[system] = cursor
	return nil
}
