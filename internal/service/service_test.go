package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/lease"
	"lims-eln-sync/internal/ledger"
	"lims-eln-sync/internal/repository"
	"lims-eln-sync/internal/retry"
	"lims-eln-sync/internal/validation"
)

func sampleSchema() *domain.Schema {
	return domain.MustSchema("1.0.0", map[string]*domain.RecordSchema{
		"sample": {
			Fields: []domain.FieldSpec{
				{Name: "sample_id", Type: domain.TypeString, Required: true},
				{Name: "status", Type: domain.TypeString, Enum: []string{"registered", "pending", "complete"}},
				{Name: "operator_notes", Type: domain.TypeString},
				{Name: "ph", Type: domain.TypeNumber, Comparison: domain.CompareNumeric, Tolerance: 0.01},
				{Name: "result", Type: domain.TypeNumber, Owner: "lims"},
			},
		},
	})
}

type harness struct {
	svc         *SyncService
	lims        *adapter.Memory
	eln         *adapter.Memory
	ledger      *ledger.Ledger
	jobs        *repository.MemoryJobs
	baselines   *repository.MemoryBaselines
	deadLetters *repository.MemoryDeadLetters
	status      *StatusService
	reader      *sdkmetric.ManualReader
}

type harnessOption func(*Dependencies, *Options)

func withMaxAttempts(n int) harnessOption {
	return func(d *Dependencies, _ *Options) {
		d.Retry = retry.NewManager(retry.Policy{MaxAttempts: n, Base: time.Millisecond, Cap: 10 * time.Millisecond}).
			WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	schema := sampleSchema()

	l, err := ledger.New(ctx, ledger.NewMemoryStore())
	require.NoError(t, err)
	status := NewStatusService()
	l.Subscribe(status.Apply)

	v, err := validation.New(schema, validation.Options{Classifier: validation.NoopClassifier{}})
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	metrics, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	h := &harness{
		lims:        adapter.NewMemory(domain.SystemLIMS, nil),
		eln:         adapter.NewMemory(domain.SystemELN, nil),
		ledger:      l,
		jobs:        repository.NewMemoryJobs(),
		baselines:   repository.NewMemoryBaselines(),
		deadLetters: repository.NewMemoryDeadLetters(),
		status:      status,
		reader:      reader,
	}
	deps := Dependencies{
		Schema:      schema,
		LIMS:        h.lims,
		ELN:         h.eln,
		Baselines:   h.baselines,
		Jobs:        h.jobs,
		DeadLetters: h.deadLetters,
		Validator:   v,
		Audit:       NewAuditService(l),
		Metrics:     metrics,
	}
	options := Options{Workers: 4, QueueSize: 64, CallTimeout: time.Second, LeaseRetry: 5 * time.Millisecond}
	withMaxAttempts(5)(&deps, &options)
	for _, opt := range opts {
		opt(&deps, &options)
	}

	h.svc, err = NewSyncService(deps, options)
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
}

func (h *harness) wait(t *testing.T, jobID string, state domain.JobState) *domain.SyncJob {
	t.Helper()
	var job *domain.SyncJob
	require.Eventually(t, func() bool {
		got, err := h.jobs.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return got.State == state
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, state)
	return job
}

// idle waits until the record has no tracked job.
func (h *harness) idle(t *testing.T, recordID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		_, ok := h.svc.records[recordID]
		return !ok
	}, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) sync(t *testing.T, recordID string, want domain.JobState) *domain.SyncJob {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), recordID, domain.TriggerManual, "")
	require.NoError(t, err)
	done := h.wait(t, job.JobID, want)
	if want.Terminal() {
		h.idle(t, recordID)
	} else {
		h.settled(t, recordID)
	}
	return done
}

// settled waits until no worker holds the record's job.
func (h *harness) settled(t *testing.T, recordID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		tr, ok := h.svc.records[recordID]
		return !ok || (!tr.running && !tr.queued)
	}, 3*time.Second, 5*time.Millisecond)
}

// seed creates a record in LIMS and syncs it once so both sides share a baseline.
func (h *harness) seed(t *testing.T, recordID string, fields map[string]any) {
	t.Helper()
	h.lims.Put(recordID, "sample", fields)
	h.sync(t, recordID, domain.StateCommitted)
}

func (h *harness) entries(t *testing.T, recordID string) []domain.AuditEntry {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), recordID)
	require.NoError(t, err)
	return entries
}

func transitions(t *testing.T, entries []domain.AuditEntry, jobID string) []domain.TransitionPayload {
	t.Helper()
	var out []domain.TransitionPayload
	for _, e := range entries {
		if e.EventKind != domain.EventJobTransition || ledger.JobID(e) != jobID {
			continue
		}
		var p domain.TransitionPayload
		require.NoError(t, ledger.DecodeData(e, &p))
		out = append(out, p)
	}
	return out
}

func states(ps []domain.TransitionPayload) []domain.JobState {
	out := make([]domain.JobState, len(ps))
	for i, p := range ps {
		out[i] = p.To
	}
	return out
}

func TestSyncService_FirstSyncCreatesMissingSide(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})

	job := h.sync(t, "S-1", domain.StateCommitted)

	rec, ok := h.eln.Get("S-1")
	require.True(t, ok)
	assert.Equal(t, "pending", rec.Fields["status"])
	assert.Equal(t, 0, h.lims.Pushes())
	assert.Equal(t, 1, h.eln.Pushes())

	base, err := h.baselines.Get(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), base.Version)
	assert.Equal(t, rec.SourceVersion, base.ELN.SourceVersion)

	ps := transitions(t, h.entries(t, "S-1"), job.JobID)
	assert.Equal(t, []domain.JobState{
		domain.StatePending, domain.StateFetching, domain.StateDiffing,
		domain.StateValidating, domain.StateApplying, domain.StateCommitted,
	}, states(ps))
	assert.Equal(t, []domain.System{domain.SystemELN}, ps[len(ps)-1].Pushed)
}

func TestSyncService_ScenarioA_SingleSideChange(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "status": "pending"})

	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "complete"})
	job := h.sync(t, "S-1", domain.StateCommitted)

	rec, _ := h.eln.Get("S-1")
	assert.Equal(t, "complete", rec.Fields["status"])

	ps := transitions(t, h.entries(t, "S-1"), job.JobID)
	assert.NotContains(t, states(ps), domain.StateResolvingConflict)
	committed := ps[len(ps)-1]
	require.Len(t, committed.Decisions, 1)
	assert.Equal(t, "status", committed.Decisions[0].Field)
	assert.Equal(t, domain.SystemLIMS, committed.Decisions[0].AcceptedSide)
	assert.Empty(t, committed.Conflicts)
	assert.Equal(t, int64(2), committed.BaselineVersion)
}

func TestSyncService_NoChangesCommitsNoOp(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "status": "pending"})
	pushes := h.eln.Pushes()

	job := h.sync(t, "S-1", domain.StateCommitted)

	ps := transitions(t, h.entries(t, "S-1"), job.JobID)
	assert.Equal(t, []domain.JobState{
		domain.StatePending, domain.StateFetching, domain.StateDiffing, domain.StateCommitted,
	}, states(ps))
	assert.True(t, ps[len(ps)-1].NoOp)
	assert.Equal(t, int64(1), ps[len(ps)-1].BaselineVersion)
	assert.Equal(t, pushes, h.eln.Pushes())
}

func TestSyncService_ScenarioB_ConflictAwaitsReview(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "operator_notes": "initial"})

	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "centrifuged twice"})
	h.eln.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "sample looked cloudy"})
	job := h.sync(t, "S-1", domain.StateAwaitingReview)

	require.Len(t, job.Conflicts, 1)
	c := job.Conflicts[0]
	assert.Equal(t, "operator_notes", c.Field)
	assert.Equal(t, domain.ResolutionManualReviewRequired, c.Resolution.Kind)
	assert.Equal(t, "centrifuged twice", c.SideA)
	assert.Equal(t, "sample looked cloudy", c.SideB)
	assert.Contains(t, job.LastError, string(domain.CategoryConflict))

	st, err := h.status.Status("S-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingReview, st.State)

	// The record stays reserved: another trigger returns the waiting job.
	again, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerScheduled, "")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, again.JobID)
}

func TestSyncService_ReviewResumesAndCommits(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "operator_notes": "initial"})
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "A"})
	h.eln.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "B"})
	job := h.sync(t, "S-1", domain.StateAwaitingReview)

	_, err := h.svc.Review(context.Background(), job.JobID, domain.Fields{"status": "complete"})
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	_, err = h.svc.Review(context.Background(), job.JobID, domain.Fields{})
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)

	_, err = h.svc.Review(context.Background(), job.JobID, domain.Fields{"operator_notes": "A and B"})
	require.NoError(t, err)
	h.wait(t, job.JobID, domain.StateCommitted)
	h.idle(t, "S-1")

	lims, _ := h.lims.Get("S-1")
	eln, _ := h.eln.Get("S-1")
	assert.Equal(t, "A and B", lims.Fields["operator_notes"])
	assert.Equal(t, "A and B", eln.Fields["operator_notes"])

	ps := transitions(t, h.entries(t, "S-1"), job.JobID)
	assert.Equal(t, []domain.JobState{
		domain.StatePending, domain.StateFetching, domain.StateDiffing, domain.StateValidating,
		domain.StateResolvingConflict, domain.StateAwaitingReview,
		domain.StateResolvingConflict, domain.StateApplying, domain.StateCommitted,
	}, states(ps))
	committed := ps[len(ps)-1]
	require.Len(t, committed.Conflicts, 1)
	assert.Equal(t, domain.ResolutionManualOverride, committed.Conflicts[0].Resolution.Kind)
	assert.ElementsMatch(t, []domain.System{domain.SystemLIMS, domain.SystemELN}, committed.Pushed)

	_, err = h.svc.Review(context.Background(), job.JobID, domain.Fields{"operator_notes": "again"})
	assert.ErrorIs(t, err, domain.ErrJobNotAwaitingReview)
}

func TestSyncService_OwnerResolvesConflict(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "result": 1.0})
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "result": 2.5})
	h.eln.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "result": 3.5})

	job := h.sync(t, "S-1", domain.StateCommitted)

	eln, _ := h.eln.Get("S-1")
	assert.Equal(t, 2.5, eln.Fields["result"])
	require.Len(t, job.Conflicts, 1)
	assert.Equal(t, domain.Resolution{Kind: domain.ResolutionAccepted, Side: domain.SystemLIMS}, job.Conflicts[0].Resolution)
}

func TestSyncService_ScenarioC_RateLimitedPushRetries(t *testing.T) {
	h := newHarness(t, withMaxAttempts(5))
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "status": "pending"})

	limited := &adapter.Error{System: domain.SystemELN, Op: "push", Kind: adapter.KindRateLimited, StatusCode: 429}
	h.eln.FailPush(limited, limited, limited)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "complete"})
	job := h.sync(t, "S-1", domain.StateCommitted)
	assert.Equal(t, 3, job.AttemptCount)

	var retries int
	var committedAfter bool
	for _, e := range h.entries(t, "S-1") {
		if ledger.JobID(e) != job.JobID {
			continue
		}
		switch e.EventKind {
		case domain.EventRetryScheduled:
			var p domain.RetryPayload
			require.NoError(t, ledger.DecodeData(e, &p))
			assert.Equal(t, "push", p.Operation)
			assert.Equal(t, domain.SystemELN, p.System)
			retries++
		case domain.EventJobTransition:
			var p domain.TransitionPayload
			require.NoError(t, ledger.DecodeData(e, &p))
			if p.To == domain.StateCommitted {
				committedAfter = retries == 3
			}
		}
	}
	assert.Equal(t, 3, retries)
	assert.True(t, committedAfter)
}

func TestSyncService_ScenarioD_ValidationFailureBlocksPush(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"status": "pending"})

	job := h.sync(t, "S-1", domain.StateValidationFailed)

	assert.Equal(t, 0, h.lims.Pushes())
	assert.Equal(t, 0, h.eln.Pushes())
	_, ok := h.eln.Get("S-1")
	assert.False(t, ok)
	assert.NotEmpty(t, job.Validation)
	assert.False(t, domain.Passed(job.Validation))
	assert.Contains(t, job.LastError, string(domain.CategoryValidation))

	_, err := h.baselines.Get(context.Background(), "S-1")
	assert.ErrorIs(t, err, domain.ErrBaselineNotFound)
}

func TestSyncService_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, withMaxAttempts(3))
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "status": "pending"})

	down := &adapter.Error{System: domain.SystemELN, Op: "push", Kind: adapter.KindUnavailable, StatusCode: 503}
	h.eln.FailPush(down, down, down)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "complete"})
	job := h.sync(t, "S-1", domain.StateDeadLettered)

	assert.Equal(t, 2, job.AttemptCount)
	dls, err := h.svc.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, job.JobID, dls[0].JobID)
	assert.Equal(t, "push", dls[0].Operation)
	assert.Equal(t, domain.SystemELN, dls[0].System)
	assert.Equal(t, 3, dls[0].Attempts)

	base, err := h.baselines.Get(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), base.Version)

	// A resubmitted job picks the record up again once the system recovers.
	next, err := h.svc.Resubmit(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, next.ParentJobID)
	h.wait(t, next.JobID, domain.StateCommitted)
}

func TestSyncService_PermanentFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.FailFetch(&adapter.Error{System: domain.SystemLIMS, Op: "fetch", Kind: adapter.KindRejected, StatusCode: 403})
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1"})

	job := h.sync(t, "S-1", domain.StateRejected)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Contains(t, job.LastError, string(domain.CategoryPermanentExternal))

	_, err := h.svc.Resubmit(context.Background(), job.JobID)
	require.NoError(t, err)
	_, err = h.svc.Resubmit(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSyncService_RecordMissingEverywhereRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job := h.sync(t, "ghost", domain.StateRejected)
	assert.Contains(t, job.LastError, domain.ErrRecordNotFound.Error())
}

func TestSyncService_ReplayAfterCommitHasNoEffect(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})
	job := h.sync(t, "S-1", domain.StateCommitted)

	entries := len(h.entries(t, "S-1"))
	pushes := h.eln.Pushes()
	base, err := h.baselines.Get(context.Background(), "S-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		replayed, err := h.svc.Replay(context.Background(), job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCommitted, replayed.State)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, h.entries(t, "S-1"), entries)
	assert.Equal(t, pushes, h.eln.Pushes())
	after, err := h.baselines.Get(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, base.Version, after.Version)
}

func TestSyncService_IdempotencyKeyReturnsSameJob(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1"})

	first, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerPush, "evt-1")
	require.NoError(t, err)
	h.wait(t, first.JobID, domain.StateCommitted)
	h.idle(t, "S-1")

	second, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerPush, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, domain.StateCommitted, second.State)
}

func TestSyncService_SubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), "  ", domain.TriggerManual, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRecordID)
	_, err = h.svc.Submit(context.Background(), "S-1", "webhook", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

func TestSyncService_QueueFull(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.QueueSize = 2 })
	// Workers are not started, so nothing drains the queue.
	for i := 0; i < 2; i++ {
		_, err := h.svc.Submit(context.Background(), fmt.Sprintf("S-%d", i), domain.TriggerManual, "")
		require.NoError(t, err)
	}
	_, err := h.svc.Submit(context.Background(), "S-9", domain.TriggerManual, "")
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestSyncService_ConcurrentTriggersNeverOverlap(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "status": "pending"})

	triggers := []domain.Trigger{domain.TriggerPush, domain.TriggerPull, domain.TriggerScheduled, domain.TriggerManual}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				status := "pending"
				if i%10 == 0 {
					status = "complete"
				}
				h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": status})
			}
			_, err := h.svc.Submit(context.Background(), "S-1", triggers[i%len(triggers)], "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	h.idle(t, "S-1")

	active := ""
	for _, e := range h.entries(t, "S-1") {
		if e.EventKind != domain.EventJobTransition {
			continue
		}
		var p domain.TransitionPayload
		require.NoError(t, ledger.DecodeData(e, &p))
		switch {
		case p.From == "":
			require.Empty(t, active, "job %s started while %s was active", p.JobID, active)
			active = p.JobID
		default:
			require.Equal(t, active, p.JobID, "transition of inactive job")
			if p.To.Terminal() {
				active = ""
			}
		}
	}
	assert.Empty(t, active)

	v, err := h.ledger.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestSyncService_CancelAwaitingReview(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "S-1", map[string]any{"sample_id": "S-1", "operator_notes": "initial"})
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "A"})
	h.eln.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "operator_notes": "B"})
	job := h.sync(t, "S-1", domain.StateAwaitingReview)

	_, err := h.svc.Cancel(context.Background(), job.JobID)
	require.NoError(t, err)
	cancelled := h.wait(t, job.JobID, domain.StateCancelled)
	h.idle(t, "S-1")
	assert.Equal(t, errCancelledByOperator.Error(), cancelled.LastError)

	_, err = h.svc.Cancel(context.Background(), job.JobID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)

	// The record is free again.
	h.sync(t, "S-1", domain.StateAwaitingReview)
}

func TestSyncService_CancelQueuedJob(t *testing.T) {
	h := newHarness(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1"})
	job, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerManual, "")
	require.NoError(t, err)

	_, err = h.svc.Cancel(context.Background(), job.JobID)
	require.NoError(t, err)
	h.start(t)

	h.wait(t, job.JobID, domain.StateCancelled)
	assert.Equal(t, 0, h.eln.Pushes())
	ps := transitions(t, h.entries(t, "S-1"), job.JobID)
	assert.Equal(t, []domain.JobState{domain.StatePending, domain.StateCancelled}, states(ps))
}

func TestSyncService_RecoverAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1"})
	h.lims.Put("S-2", "sample", map[string]any{"sample_id": "S-2"})

	interrupted := &domain.SyncJob{JobID: "job-crashed", RecordID: "S-1", Trigger: domain.TriggerPull, State: domain.StateApplying, CreatedAt: now, UpdatedAt: now}
	left := &domain.SyncJob{JobID: "job-left", RecordID: "S-2", Trigger: domain.TriggerManual, State: domain.StatePending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.jobs.Save(ctx, interrupted, ""))
	require.NoError(t, h.jobs.Save(ctx, left, ""))

	h.start(t)

	closed := h.wait(t, "job-crashed", domain.StateCancelled)
	assert.Equal(t, domain.StateCancelled, closed.State)
	h.wait(t, "job-left", domain.StateCommitted)

	require.Eventually(t, func() bool {
		jobs, err := h.jobs.ListByStates(ctx, domain.StateCommitted)
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.ParentJobID == "job-crashed" && j.Trigger == domain.TriggerPull {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSyncService_TransitionsRecordedInMetrics(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1"})
	h.sync(t, "S-1", domain.StateCommitted)

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "sync.job.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(6), total)
}

func TestNewSyncService_MissingDependency(t *testing.T) {
	_, err := NewSyncService(Dependencies{}, Options{})
	assert.True(t, domain.IsCategory(err, domain.CategoryConfiguration))
}

func TestSyncService_LedgerFailureRefusesJobs(t *testing.T) {
	h := newHarness(t)
	h.svc.audit = NewAuditService(failingLedger{})

	_, err := h.svc.Submit(context.Background(), "S-2", domain.TriggerManual, "")
	assert.ErrorIs(t, err, domain.ErrLedgerIntegrity)

	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	assert.Empty(t, h.svc.records)
	assert.Zero(t, h.svc.pending)
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, ledger.Event) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, domain.LedgerIntegrityFailure(errors.New("halted at sequence 3"))
}

// flakyLedger fails a window of appends with a storage error and forwards
// the rest to the real ledger.
type flakyLedger struct {
	*ledger.Ledger
	mu       sync.Mutex
	calls    int
	failAt   int
	failures int
}

func (f *flakyLedger) Append(ctx context.Context, ev ledger.Event) (domain.AuditEntry, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls >= f.failAt && f.calls < f.failAt+f.failures
	f.mu.Unlock()
	if fail {
		return domain.AuditEntry{}, errors.New("failed to persist audit entry: connection reset by peer")
	}
	return f.Ledger.Append(ctx, ev)
}

func TestSyncService_AuditWriteFailureCancelsAndReruns(t *testing.T) {
	h := newHarness(t)
	h.svc.audit = NewAuditService(&flakyLedger{Ledger: h.ledger, failAt: 3, failures: 1})
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})

	job, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerManual, "")
	require.NoError(t, err)
	first := h.wait(t, job.JobID, domain.StateCancelled)
	assert.Contains(t, first.LastError, "abandoned after local failure")

	var rerun *domain.SyncJob
	require.Eventually(t, func() bool {
		committed, err := h.jobs.ListByStates(context.Background(), domain.StateCommitted)
		if err != nil {
			return false
		}
		for _, j := range committed {
			if j.ParentJobID == job.JobID {
				rerun = j
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	h.idle(t, "S-1")

	assert.NotEqual(t, job.JobID, rerun.JobID)
	assert.Equal(t, domain.TriggerManual, rerun.Trigger)
	_, ok := h.eln.Get("S-1")
	assert.True(t, ok)
	assert.Equal(t, []domain.JobState{domain.StatePending, domain.StateFetching, domain.StateCancelled},
		states(transitions(t, h.entries(t, "S-1"), job.JobID)))
}

func TestSyncService_UnrecordableCancelReleasesRecord(t *testing.T) {
	h := newHarness(t)
	h.svc.audit = NewAuditService(&flakyLedger{Ledger: h.ledger, failAt: 3, failures: 1 + abandonAttempts})
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})

	job, err := h.svc.Submit(context.Background(), "S-1", domain.TriggerManual, "")
	require.NoError(t, err)
	h.idle(t, "S-1")

	stale, err := h.jobs.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFetching, stale.State)

	next := h.sync(t, "S-1", domain.StateCommitted)
	assert.NotEqual(t, job.JobID, next.JobID)
	_, ok := h.eln.Get("S-1")
	assert.True(t, ok)
}

type refusingLocker struct {
	*lease.MemoryLocker
}

func (refusingLocker) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestSyncService_LostLeaseCancelsRun(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, o *Options) {
		d.Locker = refusingLocker{lease.NewMemoryLocker()}
		o.LeaseTTL = 30 * time.Millisecond
		d.Retry = retry.NewManager(retry.Policy{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}).
			WithSleep(func(ctx context.Context, _ time.Duration) error {
				<-ctx.Done()
				return ctx.Err()
			})
	})
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})
	h.lims.FailFetch(&adapter.Error{System: domain.SystemLIMS, Op: "fetch", Kind: adapter.KindUnavailable, StatusCode: 503})

	job := h.sync(t, "S-1", domain.StateCancelled)
	assert.Equal(t, errLeaseLost.Error(), job.LastError)
	assert.Equal(t, 0, h.eln.Pushes())
	_, err := h.baselines.Get(context.Background(), "S-1")
	assert.Error(t, err)
}

type unsavableBaselines struct {
	BaselineRepository
	saves int
	mu    sync.Mutex
}

func (b *unsavableBaselines) Save(context.Context, domain.Baseline) error {
	b.mu.Lock()
	b.saves++
	b.mu.Unlock()
	return errors.New("database is locked")
}

func TestSyncService_BaselineSaveFailureIsRecorded(t *testing.T) {
	unsavable := &unsavableBaselines{}
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		unsavable.BaselineRepository = d.Baselines
		d.Baselines = unsavable
	})
	h.start(t)
	h.lims.Put("S-1", "sample", map[string]any{"sample_id": "S-1", "status": "pending"})

	job := h.sync(t, "S-1", domain.StateCommitted)

	unsavable.mu.Lock()
	assert.Equal(t, baselineAttempts, unsavable.saves)
	unsavable.mu.Unlock()

	var noted []domain.BaselineSaveFailedPayload
	for _, e := range h.entries(t, "S-1") {
		if e.EventKind != domain.EventBaselineSaveFailed {
			continue
		}
		var p domain.BaselineSaveFailedPayload
		require.NoError(t, ledger.DecodeData(e, &p))
		noted = append(noted, p)
	}
	require.Len(t, noted, 1)
	assert.Equal(t, job.JobID, noted[0].JobID)
	assert.Equal(t, int64(1), noted[0].BaselineVersion)
	assert.Contains(t, noted[0].Error, "database is locked")

	st, err := h.status.Status("S-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, st.State)
	assert.Zero(t, st.BaselineVersion)
	assert.Contains(t, st.LastError, "baseline not saved")

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	var failures int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "sync.baseline.save_failures" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				failures += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), failures)
}
