package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/diff"
	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/resolver"
	"lims-eln-sync/internal/retry"
)

const (
	baselineAttempts = 3
	baselineBackoff  = 50 * time.Millisecond
)

// errStopped unwinds a run that was cancelled at a state boundary.
var errStopped = errors.New("sync job stopped")

// auditError marks a failure to write the ledger; it is never classified
// as an external failure.
type auditError struct {
	err error
}

func (e *auditError) Error() string { return e.err.Error() }
func (e *auditError) Unwrap() error { return e.err }

// run is one worker's turn on a job. ctx carries cancellation and is
// checked at state boundaries; io is never cancelled and is used for
// durable writes and in-flight external calls.
type run struct {
	s      *SyncService
	job    *domain.SyncJob
	ctx    context.Context
	io     context.Context
	schema *domain.RecordSchema
	base   *domain.Baseline

	mu sync.Mutex
}

func (s *SyncService) newRun(ctx context.Context, job *domain.SyncJob) *run {
	return &run{s: s, job: job, ctx: ctx, io: context.WithoutCancel(ctx)}
}

func (r *run) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"record_id": r.job.RecordID,
		"job_id":    r.job.JobID,
		"state":     r.job.State,
	})
}

// execute drives the job from Pending, or from AwaitingReview once a
// decision was fed back, to its next stopping point.
func (r *run) execute() error {
	switch r.job.State {
	case domain.StatePending:
		if err := r.advance(domain.StateFetching, domain.TransitionPayload{}); err != nil {
			return err
		}
		return r.fetchPhase()
	case domain.StateAwaitingReview:
		if err := r.advance(domain.StateResolvingConflict, domain.TransitionPayload{Reason: "manual decision received"}); err != nil {
			return err
		}
		return r.resumePhase()
	default:
		return fmt.Errorf("job %s cannot run from state %s", r.job.JobID, r.job.State)
	}
}

func (r *run) to(state domain.JobState, p domain.TransitionPayload) error {
	if !domain.CanTransition(r.job.State, state) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", r.job.State, state, r.job.JobID)
	}
	return r.s.record(r.io, r.job, state, p, "")
}

// advance enters the next state unless the job was cancelled, in which case
// it records the cancellation and returns errStopped.
func (r *run) advance(state domain.JobState, p domain.TransitionPayload) error {
	if r.ctx.Err() != nil {
		if err := r.cancelNow(); err != nil {
			return err
		}
		return errStopped
	}
	return r.to(state, p)
}

func (r *run) cancelNow() error {
	reason := "cancelled"
	if cause := context.Cause(r.ctx); cause != nil {
		reason = cause.Error()
	}
	r.job.LastError = reason
	return r.to(domain.StateCancelled, domain.TransitionPayload{Reason: reason})
}

// fail routes an external failure: an exhausted retry budget dead-letters
// the job, anything else rejects it. Cancellation during a backoff wait
// cancels it.
func (r *run) fail(op string, err error) error {
	var ae *auditError
	if errors.As(err, &ae) {
		return err
	}
	if r.ctx.Err() != nil {
		return r.cancelNow()
	}
	r.job.LastError = err.Error()
	p := domain.TransitionPayload{Reason: err.Error()}

	if errors.Is(err, retry.ErrExhausted) {
		system := domain.System("")
		var aerr *adapter.Error
		if errors.As(err, &aerr) {
			system = aerr.System
		}
		if err := r.to(domain.StateDeadLettered, p); err != nil {
			return err
		}
		r.s.deadLetter(r.io, r.job, op, system, err)
		return nil
	}
	return r.to(domain.StateRejected, p)
}

func (r *run) fetchPhase() error {
	snaps, err := r.fetchBoth()
	if r.ctx.Err() != nil {
		return r.cancelNow()
	}
	if err != nil {
		return r.fail("fetch", err)
	}
	if err := r.observe(snaps); err != nil {
		r.job.LastError = err.Error()
		return r.to(domain.StateRejected, domain.TransitionPayload{Reason: err.Error()})
	}
	if err := r.advance(domain.StateDiffing, domain.TransitionPayload{SourceVersions: sourceVersions(snaps)}); err != nil {
		return err
	}
	return r.diffPhase()
}

// observe adopts fresh snapshots and the schema of their record type.
func (r *run) observe(snaps map[domain.System]*domain.CanonicalRecord) error {
	rec := existing(snaps)
	if rec == nil {
		return fmt.Errorf("%w: %s is in neither system", domain.ErrRecordNotFound, r.job.RecordID)
	}
	rs, err := r.s.schema.ForType(rec.RecordType)
	if err != nil {
		return domain.PermanentExternalFailure(err)
	}
	r.schema = rs
	r.job.Snapshots = snaps
	return nil
}

func (r *run) diffPhase() error {
	if err := r.loadBaseline(); err != nil {
		return r.abort(err)
	}
	snaps := r.job.Snapshots
	deltas := r.deltas()
	r.job.Deltas = deltas

	if snaps[domain.SystemLIMS] != nil && snaps[domain.SystemELN] != nil &&
		deltas[domain.SystemLIMS].Empty() && deltas[domain.SystemELN].Empty() {
		p := domain.TransitionPayload{NoOp: true, Reason: "no changes since baseline", SourceVersions: sourceVersions(snaps)}
		if r.base != nil {
			p.BaselineVersion = r.base.Version
		}
		return r.to(domain.StateCommitted, p)
	}
	if err := r.advance(domain.StateValidating, domain.TransitionPayload{}); err != nil {
		return err
	}
	return r.validatePhase()
}

// deltas diffs each side against its baseline snapshot. A side missing
// from its system is a pending creation and contributes no change.
func (r *run) deltas() map[domain.System]domain.Delta {
	out := make(map[domain.System]domain.Delta, 2)
	for _, sys := range domain.Systems() {
		cur := r.job.Snapshots[sys]
		if cur == nil {
			out[sys] = domain.Delta{}
			continue
		}
		out[sys] = diff.Diff(r.schema, r.base.Side(sys), cur)
	}
	return out
}

func (r *run) loadBaseline() error {
	b, err := r.s.baselines.Get(r.io, r.job.RecordID)
	switch {
	case errors.Is(err, domain.ErrBaselineNotFound):
		r.base = nil
	case err != nil:
		return fmt.Errorf("failed to load baseline: %w", err)
	default:
		r.base = b
	}
	return nil
}

// abort closes a job that cannot continue because of a local failure.
func (r *run) abort(err error) error {
	r.logger().WithError(err).Error("Sync job aborted")
	r.job.LastError = err.Error()
	return r.to(domain.StateCancelled, domain.TransitionPayload{Reason: err.Error()})
}

func (r *run) validatePhase() error {
	snaps, deltas := r.job.Snapshots, r.job.Deltas

	var results []domain.ValidationResult
	for _, sys := range domain.Systems() {
		cur := snaps[sys]
		if cur == nil {
			continue
		}
		if deltas[sys].Empty() && snaps[sys.Other()] != nil {
			continue
		}
		results = append(results, r.s.validator.Validate(r.io, sys, cur, deltas[sys])...)
	}
	r.job.Validation = results
	if !domain.Passed(results) {
		return r.failValidation(results)
	}

	lims, eln := deltas[domain.SystemLIMS], deltas[domain.SystemELN]
	if !lims.Empty() && !eln.Empty() && lims.Overlaps(eln) {
		if err := r.advance(domain.StateResolvingConflict, domain.TransitionPayload{Validation: results}); err != nil {
			return err
		}
		return r.resolvePhase()
	}

	out := r.s.resolver.Resolve(r.job.RecordID, r.schema, lims, eln, nil)
	if err := r.advance(domain.StateApplying, domain.TransitionPayload{Validation: results, Decisions: out.Decisions}); err != nil {
		return err
	}
	return r.applyPhase(out)
}

func (r *run) failValidation(results []domain.ValidationResult) error {
	failed := 0
	for _, res := range results {
		if res.Outcome == domain.OutcomeFail {
			failed++
		}
	}
	err := domain.ValidationFailure(fmt.Errorf("%d validation check(s) failed", failed))
	r.job.LastError = err.Error()
	return r.to(domain.StateValidationFailed, domain.TransitionPayload{Validation: results, Reason: err.Error()})
}

func (r *run) resolvePhase() error {
	lims, eln := r.job.Deltas[domain.SystemLIMS], r.job.Deltas[domain.SystemELN]
	out := r.s.resolver.Resolve(r.job.RecordID, r.schema, lims, eln, r.job.Decisions)
	r.job.Conflicts = out.Conflicts
	for _, c := range out.Conflicts {
		r.s.metrics.conflict(r.io, c)
	}

	if unresolved := out.Unresolved(); len(unresolved) > 0 {
		err := domain.ConflictUnresolved(fmt.Errorf("%d field(s) need manual review", len(unresolved)))
		r.job.LastError = err.Error()
		r.logger().WithField("fields", conflictFields(unresolved)).Warn("Conflict needs manual review")
		return r.to(domain.StateAwaitingReview, domain.TransitionPayload{
			Reason:    err.Error(),
			Decisions: out.Decisions,
			Conflicts: out.Conflicts,
		})
	}

	merged := r.merged(out)
	var prior *domain.CanonicalRecord
	if r.base != nil {
		prior = r.base.Side(domain.SystemLIMS)
	}
	results := r.s.validator.Validate(r.io, "", merged, diff.Diff(r.schema, prior, merged))
	r.job.Validation = append(r.job.Validation, results...)
	if !domain.Passed(results) {
		return r.failValidation(results)
	}

	if err := r.advance(domain.StateApplying, domain.TransitionPayload{
		Decisions:  out.Decisions,
		Conflicts:  out.Conflicts,
		Validation: results,
	}); err != nil {
		return err
	}
	return r.applyPhase(out)
}

// resumePhase re-reads both systems after a review, since either side may
// have moved on while the job waited, and resolves again with the decisions.
func (r *run) resumePhase() error {
	snaps, err := r.fetchBoth()
	if r.ctx.Err() != nil {
		return r.cancelNow()
	}
	if err != nil {
		return r.fail("fetch", err)
	}
	if err := r.observe(snaps); err != nil {
		r.job.LastError = err.Error()
		return r.to(domain.StateRejected, domain.TransitionPayload{Reason: err.Error()})
	}
	if err := r.loadBaseline(); err != nil {
		return r.abort(err)
	}
	r.job.Deltas = r.deltas()
	return r.resolvePhase()
}

// merged is the record both systems hold after commit: the fields of the
// current record with every decided value applied.
func (r *run) merged(out resolver.Outcome) *domain.CanonicalRecord {
	base := existing(r.job.Snapshots)
	fields := base.Fields.Clone()
	for _, d := range out.Decisions {
		if d.Value == nil {
			delete(fields, d.Field)
			continue
		}
		fields[d.Field] = d.Value
	}
	rec := base.WithFields(fields, base.SourceVersion, r.s.now())
	rec.SourceSystem = ""
	return &rec
}

func (r *run) applyPhase(out resolver.Outcome) error {
	merged := r.merged(out)
	versions := make(map[domain.System]string, 2)
	var pushed []domain.System

	for _, sys := range domain.Systems() {
		cur := r.job.Snapshots[sys]
		if cur != nil && diff.Equivalent(r.schema, cur.Fields, merged.Fields) {
			versions[sys] = cur.SourceVersion
			continue
		}
		ack, err := r.push(sys, merged)
		if err != nil {
			return r.fail("push", err)
		}
		if ack.Duplicate {
			r.logger().WithField("system", sys).Info("Push already applied, duplicate acknowledged")
		}
		versions[sys] = ack.Version
		pushed = append(pushed, sys)
	}

	next := domain.Baseline{
		RecordID:      r.job.RecordID,
		RecordType:    merged.RecordType,
		Version:       1,
		SchemaVersion: r.schema.Version,
		CommittedAt:   r.s.now(),
	}
	if r.base != nil {
		next.Version = r.base.Version + 1
	}
	limsRec := merged.WithFields(merged.Fields, versions[domain.SystemLIMS], next.CommittedAt)
	limsRec.SourceSystem = domain.SystemLIMS
	elnRec := merged.WithFields(merged.Fields, versions[domain.SystemELN], next.CommittedAt)
	elnRec.SourceSystem = domain.SystemELN
	next.LIMS, next.ELN = &limsRec, &elnRec

	if err := r.to(domain.StateCommitted, domain.TransitionPayload{
		Decisions:       out.Decisions,
		Conflicts:       out.Conflicts,
		Pushed:          pushed,
		BaselineVersion: next.Version,
		SourceVersions:  versions,
	}); err != nil {
		return err
	}
	r.saveBaseline(next)
	return nil
}

// saveBaseline stores the baseline of a committed job. A save that keeps
// failing is noted in the ledger and counted; the job stays Committed.
func (r *run) saveBaseline(next domain.Baseline) {
	var err error
	for attempt := 0; attempt < baselineAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * baselineBackoff)
		}
		if err = r.s.baselines.Save(r.io, next); err == nil {
			return
		}
		r.logger().WithError(err).WithField("attempt", attempt+1).Warn("Failed to save baseline after commit")
	}
	r.s.metrics.baselineFailure(r.io)
	r.logger().WithError(err).WithField("baseline_version", next.Version).Error("Baseline not saved, record keeps its previous baseline")
	if aerr := r.s.audit.RecordBaselineFailure(r.io, r.job, next.Version, err); aerr != nil {
		r.logger().WithError(aerr).Error("Failed to record baseline failure")
	}
}

func (r *run) fetchBoth() (map[domain.System]*domain.CanonicalRecord, error) {
	var (
		mu    sync.Mutex
		g     errgroup.Group
		snaps = make(map[domain.System]*domain.CanonicalRecord, 2)
	)
	for _, sys := range domain.Systems() {
		a := r.s.adapters[sys]
		g.Go(func() error {
			rec, err := r.fetch(a)
			if err != nil {
				return err
			}
			mu.Lock()
			snaps[sys] = rec
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return snaps, err
}

// fetch reads one side. NotFound is an answer, not a failure.
func (r *run) fetch(a adapter.Adapter) (*domain.CanonicalRecord, error) {
	var rec *domain.CanonicalRecord
	op := retry.Op{JobID: r.job.JobID, RecordID: r.job.RecordID, Name: "fetch", System: a.System()}
	_, err := r.s.retry.Do(r.ctx, op, r.onRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.opts.CallTimeout)
		defer cancel()
		got, err := a.Fetch(callCtx, r.job.RecordID)
		if adapter.IsNotFound(err) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}
		rec = &got
		return nil
	})
	return rec, err
}

func (r *run) push(sys domain.System, rec *domain.CanonicalRecord) (adapter.Ack, error) {
	var ack adapter.Ack
	a := r.s.adapters[sys]
	req := adapter.PushRequest{
		RecordID:       r.job.RecordID,
		RecordType:     rec.RecordType,
		Fields:         rec.Fields.Clone(),
		IdempotencyKey: r.job.JobID,
	}
	op := retry.Op{JobID: r.job.JobID, RecordID: r.job.RecordID, Name: "push", System: sys}
	_, err := r.s.retry.Do(r.ctx, op, r.onRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.opts.CallTimeout)
		defer cancel()
		var err error
		ack, err = a.Push(callCtx, req)
		return err
	})
	return ack, err
}

// onRetry records every scheduled retry as its own audit entry.
func (r *run) onRetry(_ context.Context, a retry.Attempt) error {
	r.mu.Lock()
	r.job.AttemptCount++
	r.mu.Unlock()
	r.s.metrics.retry(r.io, a.Op.Name, a.Op.System)
	if err := r.s.audit.RecordRetry(r.io, r.job, a); err != nil {
		return &auditError{err: err}
	}
	return nil
}

func (s *SyncService) deadLetter(ctx context.Context, job *domain.SyncJob, op string, system domain.System, err error) {
	dl := domain.DeadLetter{
		JobID:     job.JobID,
		RecordID:  job.RecordID,
		Operation: op,
		System:    system,
		Attempts:  s.retry.Policy().MaxAttempts,
		LastError: err.Error(),
		CreatedAt: s.now(),
	}
	if err := s.deadLetters.Add(ctx, dl); err != nil {
		log.WithError(err).WithField("job_id", job.JobID).Error("Failed to store dead letter")
	}
	if s.sink != nil {
		if err := s.sink.PublishDeadLetter(ctx, dl); err != nil {
			log.WithError(err).WithField("job_id", job.JobID).Warn("Failed to publish dead letter")
		}
	}
	s.metrics.deadLetter(ctx, op)
	log.WithFields(log.Fields{
		"record_id": job.RecordID,
		"job_id":    job.JobID,
		"op":        op,
		"system":    system,
	}).Warn("Sync job dead-lettered")
}

// existing returns the LIMS snapshot, else the ELN one, else nil.
func existing(snaps map[domain.System]*domain.CanonicalRecord) *domain.CanonicalRecord {
	for _, sys := range domain.Systems() {
		if rec := snaps[sys]; rec != nil {
			return rec
		}
	}
	return nil
}

func sourceVersions(snaps map[domain.System]*domain.CanonicalRecord) map[domain.System]string {
	out := make(map[domain.System]string, len(snaps))
	for sys, rec := range snaps {
		if rec != nil {
			out[sys] = rec.SourceVersion
		}
	}
	return out
}

func conflictFields(cs []domain.ConflictRecord) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Field
	}
	return out
}
