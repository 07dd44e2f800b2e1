package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lims-eln-sync/internal/domain"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newLedger(t *testing.T, store Store, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(context.Background(), store, append([]Option{WithClock(fixedClock())}, opts...)...)
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), Event{
			RecordID: fmt.Sprintf("S-%d", i%3),
			JobID:    fmt.Sprintf("job-%d", i),
			Kind:     domain.EventJobTransition,
			Data:     domain.TransitionPayload{JobID: fmt.Sprintf("job-%d", i), From: domain.StatePending, To: domain.StateFetching},
		})
		require.NoError(t, err)
	}
}

func TestLedger_AppendLinksEntries(t *testing.T) {
	l := newLedger(t, NewMemoryStore())
	ctx := context.Background()

	first, err := l.Append(ctx, Event{RecordID: "S-1", JobID: "j1", Kind: domain.EventJobTransition, Data: map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	second, err := l.Append(ctx, Event{RecordID: "S-1", JobID: "j1", Kind: domain.EventJobTransition})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, EntryHash(first), first.EntryHash)
	assert.JSONEq(t, `{"record_id":"S-1","job_id":"j1","event_kind":"job_transition","data":{"a":2,"b":1}}`, string(first.Payload))
	assert.Equal(t, `{"data":{"a":2,"b":1},"event_kind":"job_transition","job_id":"j1","record_id":"S-1"}`, string(first.Payload))
	assert.Equal(t, "j1", JobID(first))
}

func TestLedger_ResumesFromStoreHead(t *testing.T) {
	store := NewMemoryStore()
	appendN(t, newLedger(t, store), 3)

	reopened := newLedger(t, store)
	appendN(t, reopened, 1)

	head, ok := reopened.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(4), head.Sequence)

	v, err := reopened.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Checked)
}

func TestLedger_SharedStoreWritersRebase(t *testing.T) {
	store := NewMemoryStore()
	a := newLedger(t, store)
	b := newLedger(t, store)

	appendN(t, a, 2)
	appendN(t, b, 1)
	appendN(t, a, 1)
	appendN(t, b, 2)

	head, ok := b.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(6), head.Sequence)

	all, err := store.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}

	v, err := a.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 6, v.Checked)
}

type brokenStore struct {
	*MemoryStore
	appends int
}

func (s *brokenStore) AppendEntry(context.Context, domain.AuditEntry) error {
	s.appends++
	return fmt.Errorf("disk full")
}

func TestLedger_StoreFailureIsNotRetried(t *testing.T) {
	store := &brokenStore{MemoryStore: NewMemoryStore()}
	l := newLedger(t, store)

	_, err := l.Append(context.Background(), Event{RecordID: "S-1", Kind: domain.EventJobTransition})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, store.appends)
	_, ok := l.Head()
	assert.False(t, ok)
}

func TestLedger_VerifySubRange(t *testing.T) {
	l := newLedger(t, NewMemoryStore())
	appendN(t, l, 10)

	v, err := l.VerifyChain(context.Background(), 4, 7)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Checked)
}

func TestLedger_DivergenceHaltsAppends(t *testing.T) {
	store := NewMemoryStore()
	var alerts []Divergence
	l := newLedger(t, store, WithAlert(func(d Divergence) { alerts = append(alerts, d) }))
	appendN(t, l, 5)

	store.entries[2].Payload[5] ^= 0x01

	v, err := l.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	require.NotNil(t, v.Divergence)
	assert.Equal(t, uint64(3), v.Divergence.Sequence)

	_, err = l.Append(context.Background(), Event{RecordID: "S-1", Kind: domain.EventJobTransition})
	assert.ErrorIs(t, err, domain.ErrLedgerIntegrity)
	assert.True(t, domain.IsCategory(err, domain.CategoryLedgerIntegrity))

	_, _ = l.VerifyChain(context.Background(), 0, 0)
	assert.Len(t, alerts, 1)
}

func TestLedger_DetectsMissingEntry(t *testing.T) {
	store := NewMemoryStore()
	l := newLedger(t, store)
	appendN(t, l, 4)

	store.entries = append(store.entries[:1], store.entries[2:]...)

	v, err := l.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	require.False(t, v.Valid)
	assert.Equal(t, uint64(2), v.Divergence.Sequence)
}

func TestLedger_SubscribersSeeEntriesInOrder(t *testing.T) {
	l := newLedger(t, NewMemoryStore())
	var seen []uint64
	l.Subscribe(func(e domain.AuditEntry) { seen = append(seen, e.Sequence) })
	appendN(t, l, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestLedger_ExportVerifiesIndependently(t *testing.T) {
	l := newLedger(t, NewMemoryStore())
	appendN(t, l, 7)

	x, err := l.Export(context.Background(), "S-1")
	require.NoError(t, err)
	require.NotEmpty(t, x.Entries)
	for _, e := range x.Entries {
		assert.Equal(t, "S-1", e.RecordID)
	}
	assert.Equal(t, x.Entries[0].Sequence, x.Chain[0].Sequence)
	assert.Equal(t, uint64(7), x.Chain[len(x.Chain)-1].Sequence)
	require.NoError(t, VerifyExport(x))

	x.Entries[0].Payload = append([]byte(nil), x.Entries[0].Payload...)
	x.Entries[0].Payload[3] ^= 0x01
	assert.ErrorIs(t, VerifyExport(x), ErrExportInvalid)
}

func TestLedger_ExportOfUnknownRecord(t *testing.T) {
	l := newLedger(t, NewMemoryStore())
	appendN(t, l, 2)
	x, err := l.Export(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, x.Entries)
	assert.NoError(t, VerifyExport(x))
}

// Flipping any single byte of any persisted entry is detected at that
// entry's sequence number.
func TestLedger_TamperDetectionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("single byte flip is reported at its sequence", prop.ForAll(
		func(n, victim, field, offset int) bool {
			store := NewMemoryStore()
			l, err := New(context.Background(), store, WithClock(fixedClock()))
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if _, err := l.Append(context.Background(), Event{
					RecordID: fmt.Sprintf("S-%d", i),
					JobID:    fmt.Sprintf("j-%d", i),
					Kind:     domain.EventJobTransition,
					Data:     domain.TransitionPayload{From: domain.StatePending, To: domain.StateFetching, Reason: "tick"},
				}); err != nil {
					return false
				}
			}
			idx := victim % n
			e := &store.entries[idx]
			switch field % 4 {
			case 0:
				e.Payload[offset%len(e.Payload)] ^= 0x01
			case 1:
				b := []byte(e.PrevHash)
				b[offset%len(b)] ^= 0x01
				e.PrevHash = string(b)
			case 2:
				b := []byte(e.EntryHash)
				b[offset%len(b)] ^= 0x01
				e.EntryHash = string(b)
			case 3:
				b := []byte(e.RecordID)
				b[offset%len(b)] ^= 0x01
				e.RecordID = string(b)
			}

			v, err := l.VerifyChain(context.Background(), 0, 0)
			return err == nil && !v.Valid && v.Divergence.Sequence == uint64(idx+1)
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 3),
		gen.IntRange(0, 1000),
	))

	properties.Property("untampered chains verify", prop.ForAll(
		func(n int) bool {
			l, err := New(context.Background(), NewMemoryStore(), WithClock(fixedClock()))
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if _, err := l.Append(context.Background(), Event{RecordID: "S", Kind: domain.EventRetryScheduled, Data: i}); err != nil {
					return false
				}
			}
			v, err := l.VerifyChain(context.Background(), 0, 0)
			return err == nil && v.Valid && v.Checked == n
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
