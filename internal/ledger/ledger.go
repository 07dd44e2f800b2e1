// Package ledger implements the append-only, hash-chained audit log.
// Sequence numbers are assigned under one lock so the chain is a single
// total order across all records. Several processes may share one store:
// the store refuses a taken sequence and the losing writer rebases onto the
// store head and retries.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

// Store persists entries. Append must be durable when it returns and must
// refuse a sequence number that already exists.
type Store interface {
	AppendEntry(ctx context.Context, e domain.AuditEntry) error
	LastEntry(ctx context.Context) (domain.AuditEntry, bool, error)
	// Range returns entries with from <= sequence <= to in sequence order;
	// to == 0 means up to the head.
	Range(ctx context.Context, from, to uint64) ([]domain.AuditEntry, error)
	ByRecord(ctx context.Context, recordID string) ([]domain.AuditEntry, error)
}

// Event is what callers append; the ledger assigns sequence, hashes and time.
type Event struct {
	RecordID string
	JobID    string
	Kind     domain.EventKind
	Data     any
}

// Handler observes entries after their durable append, in sequence order.
// Handlers run under the append lock and must not call back into the ledger.
type Handler func(e domain.AuditEntry)

// Divergence describes the first entry that failed verification.
type Divergence struct {
	Sequence uint64 `json:"sequence_no"`
	Reason   string `json:"reason"`
}

// Verification is the result of VerifyChain.
type Verification struct {
	Valid      bool        `json:"valid"`
	From       uint64      `json:"from"`
	To         uint64      `json:"to"`
	Checked    int         `json:"checked"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// AlertFunc is called once when the ledger halts on an integrity failure.
type AlertFunc func(d Divergence)

type Ledger struct {
	mu       sync.Mutex
	store    Store
	now      func() time.Time
	head     domain.AuditEntry
	hasHead  bool
	handlers []Handler

	haltMu sync.RWMutex
	halted *Divergence
	alert  AlertFunc
}

type Option func(*Ledger)

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAlert installs the integrity alert hook.
func WithAlert(fn AlertFunc) Option {
	return func(l *Ledger) { l.alert = fn }
}

// New opens a ledger over store, resuming from its last entry.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	head, ok, err := store.LastEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger head: %w", err)
	}
	l.head, l.hasHead = head, ok
	return l, nil
}

// Subscribe registers a handler for new entries.
func (l *Ledger) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append hashes ev onto the chain head and persists it before returning.
func (l *Ledger) Append(ctx context.Context, ev Event) (domain.AuditEntry, error) {
	if err := l.Halted(); err != nil {
		return domain.AuditEntry{}, err
	}
	payload, err := canonicalPayload(ev)
	if err != nil {
		return domain.AuditEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var entry domain.AuditEntry
	for attempt := 0; ; attempt++ {
		entry = l.next(ev, payload)
		err := l.store.AppendEntry(ctx, entry)
		if err == nil {
			break
		}
		moved, rerr := l.rebase(ctx)
		if rerr != nil || !moved || attempt+1 >= maxRebases {
			if rerr != nil {
				log.WithError(rerr).Warn("Failed to reload ledger head")
			}
			return domain.AuditEntry{}, fmt.Errorf("failed to persist audit entry %d: %w", entry.Sequence, err)
		}
		log.WithFields(log.Fields{
			"sequence_no": entry.Sequence,
			"head":        l.head.Sequence,
		}).Debug("Ledger head moved by another writer, rebasing")
	}
	l.head, l.hasHead = entry, true

	for _, h := range l.handlers {
		h(entry)
	}
	return entry, nil
}

// maxRebases bounds how often one append chases a head moved by other writers.
const maxRebases = 8

func (l *Ledger) next(ev Event, payload []byte) domain.AuditEntry {
	prev, seq := GenesisHash, uint64(1)
	if l.hasHead {
		prev, seq = l.head.EntryHash, l.head.Sequence+1
	}
	ts := l.now().UTC().Truncate(time.Microsecond)
	entry := domain.AuditEntry{
		Sequence:  seq,
		PrevHash:  prev,
		RecordID:  ev.RecordID,
		EventKind: ev.Kind,
		Payload:   payload,
		Timestamp: ts,
	}
	entry.EntryHash = Hash(prev, payload, ts)
	return entry
}

// rebase reloads the head from the store and reports whether it moved past
// the cached one. Must be called with l.mu held.
func (l *Ledger) rebase(ctx context.Context) (bool, error) {
	head, ok, err := l.store.LastEntry(ctx)
	if err != nil {
		return false, err
	}
	if !ok || (l.hasHead && head.Sequence <= l.head.Sequence) {
		return false, nil
	}
	l.head, l.hasHead = head, true
	return true, nil
}

// Head returns the last appended entry.
func (l *Ledger) Head() (domain.AuditEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.hasHead
}

// Entries returns every entry of one record in sequence order.
func (l *Ledger) Entries(ctx context.Context, recordID string) ([]domain.AuditEntry, error) {
	return l.store.ByRecord(ctx, recordID)
}

// Range returns entries with from <= sequence <= to; to == 0 is the head.
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]domain.AuditEntry, error) {
	return l.store.Range(ctx, from, to)
}

// Halted returns a LedgerIntegrityFailure once verification has failed.
func (l *Ledger) Halted() error {
	l.haltMu.RLock()
	defer l.haltMu.RUnlock()
	if l.halted == nil {
		return nil
	}
	return domain.LedgerIntegrityFailure(fmt.Errorf("divergence at sequence %d: %s", l.halted.Sequence, l.halted.Reason))
}

// VerifyChain recomputes the chain over [from, to] (to == 0 is the head)
// and reports the first divergent sequence number. A divergence halts the
// ledger: every later append fails, because every entry from the
// divergence onward is untrustworthy.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (Verification, error) {
	if from == 0 {
		from = 1
	}
	head, ok := l.Head()
	if !ok {
		return Verification{Valid: true, From: from, To: to}, nil
	}
	if to == 0 || to > head.Sequence {
		to = head.Sequence
	}
	v := Verification{Valid: true, From: from, To: to}
	if from > to {
		return v, nil
	}

	expectedPrev := GenesisHash
	if from > 1 {
		prior, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return v, fmt.Errorf("failed to read audit entry %d: %w", from-1, err)
		}
		if len(prior) != 1 {
			return l.diverged(v, Divergence{Sequence: from - 1, Reason: "entry missing"}), nil
		}
		expectedPrev = prior[0].EntryHash
	}

	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return v, fmt.Errorf("failed to read audit range %d..%d: %w", from, to, err)
	}

	expectedSeq := from
	for _, e := range entries {
		if d := check(e, expectedSeq, expectedPrev); d != nil {
			return l.diverged(v, *d), nil
		}
		v.Checked++
		expectedPrev = e.EntryHash
		expectedSeq++
	}
	if expectedSeq <= to {
		return l.diverged(v, Divergence{Sequence: expectedSeq, Reason: "entry missing"}), nil
	}
	return v, nil
}

func check(e domain.AuditEntry, expectedSeq uint64, expectedPrev string) *Divergence {
	if e.Sequence != expectedSeq {
		return &Divergence{Sequence: expectedSeq, Reason: fmt.Sprintf("sequence gap: found %d", e.Sequence)}
	}
	if e.PrevHash != expectedPrev {
		return &Divergence{Sequence: expectedSeq, Reason: "prev_hash does not link to previous entry"}
	}
	if EntryHash(e) != e.EntryHash {
		return &Divergence{Sequence: expectedSeq, Reason: "entry_hash mismatch"}
	}
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return &Divergence{Sequence: expectedSeq, Reason: "payload is not valid JSON"}
	}
	if env.RecordID != e.RecordID || env.EventKind != e.EventKind {
		return &Divergence{Sequence: expectedSeq, Reason: "indexed columns disagree with payload"}
	}
	return nil
}

func (l *Ledger) diverged(v Verification, d Divergence) Verification {
	v.Valid = false
	v.Divergence = &d

	l.haltMu.Lock()
	first := l.halted == nil
	if first {
		l.halted = &d
	}
	l.haltMu.Unlock()

	if first {
		log.WithFields(log.Fields{
			"sequence_no": d.Sequence,
			"reason":      d.Reason,
		}).Error("audit ledger integrity failure, halting appends")
		if l.alert != nil {
			l.alert(d)
		}
	}
	return v
}

// RunVerifier verifies the whole chain every interval until ctx is done.
func (l *Ledger) RunVerifier(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := l.VerifyChain(ctx, 1, 0)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.WithError(err).Warn("periodic ledger verification failed to run")
				}
				continue
			}
			if v.Valid {
				log.WithField("checked", v.Checked).Debug("audit ledger verified")
			}
		}
	}
}
