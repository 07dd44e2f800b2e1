package adapter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"lims-eln-sync/internal/domain"
)

// Memory is an in-process external system. It honours idempotency keys,
// keeps a change log and can be scripted to fail.
type Memory struct {
	mu      sync.Mutex
	system  domain.System
	now     func() time.Time
	records map[string]domain.CanonicalRecord
	version map[string]int
	acks    map[string]Ack
	log     []Change

	pushes        int
	pushFailures  []error
	fetchFailures []error
}

func NewMemory(system domain.System, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		system:  system,
		now:     now,
		records: make(map[string]domain.CanonicalRecord),
		version: make(map[string]int),
		acks:    make(map[string]Ack),
	}
}

func (m *Memory) System() domain.System {
	return m.system
}

// Put stores a record as if it was edited in the external system.
func (m *Memory) Put(recordID, recordType string, fields map[string]any) domain.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(recordID, recordType, fields)
}

func (m *Memory) store(recordID, recordType string, fields map[string]any) domain.CanonicalRecord {
	m.version[recordID]++
	at := m.now()
	rec := domain.NewCanonicalRecord(recordID, recordType, m.system, strconv.Itoa(m.version[recordID]), at, fields)
	m.records[recordID] = rec
	m.log = append(m.log, Change{RecordID: recordID, ObservedAt: at.UTC()})
	return rec
}

// Get returns the stored record.
func (m *Memory) Get(recordID string) (domain.CanonicalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	return rec, ok
}

// Pushes counts applied pushes; duplicates are not counted.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// FailPush makes the next pushes return errs in order.
func (m *Memory) FailPush(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushFailures = append(m.pushFailures, errs...)
}

// FailFetch makes the next fetches return errs in order.
func (m *Memory) FailFetch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFailures = append(m.fetchFailures, errs...)
}

func (m *Memory) Fetch(ctx context.Context, recordID string) (domain.CanonicalRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CanonicalRecord{}, transportError(m.system, "fetch", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fetchFailures) > 0 {
		err := m.fetchFailures[0]
		m.fetchFailures = m.fetchFailures[1:]
		return domain.CanonicalRecord{}, err
	}
	rec, ok := m.records[recordID]
	if !ok {
		return domain.CanonicalRecord{}, NotFound(m.system, recordID)
	}
	return rec, nil
}

func (m *Memory) Push(ctx context.Context, req PushRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, transportError(m.system, "push", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ack, ok := m.acks[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		ack.Duplicate = true
		return ack, nil
	}
	if len(m.pushFailures) > 0 {
		err := m.pushFailures[0]
		m.pushFailures = m.pushFailures[1:]
		return Ack{}, err
	}
	fields := make(map[string]any, len(req.Fields))
	for k, v := range req.Fields {
		if v != nil {
			fields[k] = v
		}
	}
	rec := m.store(req.RecordID, req.RecordType, fields)
	m.pushes++
	ack := Ack{Version: rec.SourceVersion}
	if req.IdempotencyKey != "" {
		m.acks[req.IdempotencyKey] = ack
	}
	return ack, nil
}

// Changes pages through the change log; the cursor is a log offset.
func (m *Memory) Changes(ctx context.Context, cursor string, limit int) (ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return ChangePage{}, transportError(m.system, "changes", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return ChangePage{}, &Error{System: m.system, Op: "changes", Kind: KindRejected, Err: err}
		}
		offset = n
	}
	if offset > len(m.log) {
		offset = len(m.log)
	}
	end := offset + limit
	if limit <= 0 || end > len(m.log) {
		end = len(m.log)
	}
	page := ChangePage{Changes: append([]Change(nil), m.log[offset:end]...), Next: strconv.Itoa(end)}
	return page, nil
}
