package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/lease"
	"lims-eln-sync/internal/resolver"
	"lims-eln-sync/internal/retry"
)

type BaselineRepository interface {
	Get(ctx context.Context, recordID string) (*domain.Baseline, error)
	Save(ctx context.Context, b domain.Baseline) error
	RecordIDs(ctx context.Context) ([]string, error)
}

type JobRepository interface {
	Save(ctx context.Context, job *domain.SyncJob, idempotencyKey string) error
	Get(ctx context.Context, jobID string) (*domain.SyncJob, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.SyncJob, error)
	ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.SyncJob, error)
}

type DeadLetterRepository interface {
	Add(ctx context.Context, dl domain.DeadLetter) error
	List(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// DeadLetterSink forwards dead letters to an outside channel.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

type RecordValidator interface {
	Validate(ctx context.Context, side domain.System, rec *domain.CanonicalRecord, delta domain.Delta) []domain.ValidationResult
}

type SyncServiceInterface interface {
	Submit(ctx context.Context, recordID string, trigger domain.Trigger, idempotencyKey string) (*domain.SyncJob, error)
	Replay(ctx context.Context, jobID string) (*domain.SyncJob, error)
	Job(ctx context.Context, jobID string) (*domain.SyncJob, error)
	Cancel(ctx context.Context, jobID string) (*domain.SyncJob, error)
	Review(ctx context.Context, jobID string, decisions domain.Fields) (*domain.SyncJob, error)
	Resubmit(ctx context.Context, jobID string) (*domain.SyncJob, error)
	DryRun(ctx context.Context, recordID string) (*DryRunResult, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Schema      *domain.Schema
	LIMS        adapter.Adapter
	ELN         adapter.Adapter
	Baselines   BaselineRepository
	Jobs        JobRepository
	DeadLetters DeadLetterRepository
	Validator   RecordValidator
	Audit       *AuditService
	Retry       *retry.Manager
	Locker      lease.Locker
	Metrics     *Metrics
	Sink        DeadLetterSink
}

// Options tune the worker pool and the job lifecycle.
type Options struct {
	Workers     int
	QueueSize   int
	CallTimeout time.Duration
	JobTTL      time.Duration
	LeaseTTL    time.Duration
	LeaseRetry  time.Duration
	Instance    string
	Now         func() time.Time
}

const (
	abandonAttempts = 3
	abandonBackoff  = 100 * time.Millisecond
	maxReruns       = 1
)

var (
	errCancelledByOperator = errors.New("cancelled by operator")
	errJobTTLExceeded      = errors.New("job ttl exceeded")
	errLeaseLost           = errors.New("record lease lost")
)

// tracked is the in-process view of the one non-terminal job of a record.
type tracked struct {
	job       *domain.SyncJob
	queued    bool
	running   bool
	cancel    context.CancelCauseFunc
	cancelReq bool
	followUp  domain.Trigger
	// rerun marks a follow-up that repeats an abandoned job; reruns counts
	// how many times in a row the record was abandoned.
	rerun  bool
	reruns int
}

type jobRef struct {
	recordID string
	jobID    string
}

// SyncService is the sync orchestrator. It owns the per-record state
// machine and the worker pool that drives it.
type SyncService struct {
	schema      *domain.Schema
	adapters    map[domain.System]adapter.Adapter
	baselines   BaselineRepository
	jobs        JobRepository
	deadLetters DeadLetterRepository
	validator   RecordValidator
	audit       *AuditService
	retry       *retry.Manager
	locker      lease.Locker
	metrics     *Metrics
	sink        DeadLetterSink
	resolver    *resolver.Resolver
	opts        Options

	mu       sync.Mutex
	records  map[string]*tracked
	pending  int
	queue    chan jobRef
	stopping bool
	quit     chan struct{}
	wg       sync.WaitGroup

	ctx  context.Context
	stop context.CancelCauseFunc
}

func NewSyncService(deps Dependencies, opts Options) (*SyncService, error) {
	switch {
	case deps.Schema == nil:
		return nil, domain.ConfigurationError(errors.New("sync service needs a schema"))
	case deps.LIMS == nil || deps.ELN == nil:
		return nil, domain.ConfigurationError(errors.New("sync service needs both adapters"))
	case deps.Baselines == nil || deps.Jobs == nil || deps.DeadLetters == nil:
		return nil, domain.ConfigurationError(errors.New("sync service needs its repositories"))
	case deps.Validator == nil || deps.Audit == nil:
		return nil, domain.ConfigurationError(errors.New("sync service needs a validator and an audit service"))
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewManager(retry.DefaultPolicy())
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewMemoryLocker()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.LeaseRetry <= 0 {
		opts.LeaseRetry = time.Second
	}
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, stop := context.WithCancelCause(context.Background())
	return &SyncService{
		schema:      deps.Schema,
		adapters:    map[domain.System]adapter.Adapter{domain.SystemLIMS: deps.LIMS, domain.SystemELN: deps.ELN},
		baselines:   deps.Baselines,
		jobs:        deps.Jobs,
		deadLetters: deps.DeadLetters,
		validator:   deps.Validator,
		audit:       deps.Audit,
		retry:       deps.Retry,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		sink:        deps.Sink,
		resolver:    resolver.New(opts.Now),
		opts:        opts,
		records:     make(map[string]*tracked),
		queue:       make(chan jobRef, opts.QueueSize),
		quit:        make(chan struct{}),
		ctx:         ctx,
		stop:        stop,
	}, nil
}

// Start launches the worker pool and recovers jobs left behind by an
// earlier process.
func (s *SyncService) Start(ctx context.Context) error {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	log.WithFields(log.Fields{
		"workers":    s.opts.Workers,
		"queue_size": s.opts.QueueSize,
		"instance":   s.opts.Instance,
	}).Info("Sync worker pool started")
	return s.recover(ctx)
}

// Stop stops accepting jobs and waits for running ones to reach a stopping
// point. When ctx expires first, running jobs are cancelled at their next
// state boundary. Queued jobs stay pending and are recovered on next start.
func (s *SyncService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop(domain.ErrShuttingDown)
		log.Info("Sync worker pool stopped")
		return nil
	case <-ctx.Done():
		s.stop(domain.ErrShuttingDown)
		<-done
		return ctx.Err()
	}
}

func (s *SyncService) now() time.Time {
	return s.opts.Now().UTC()
}

// Submit creates a job for a record. A repeated idempotency key returns
// the job it created. While the record already has a non-terminal job that
// job is returned; a push or pull arriving after it fetched schedules one
// follow-up job, as does any trigger racing the job's release.
func (s *SyncService) Submit(ctx context.Context, recordID string, trigger domain.Trigger, idempotencyKey string) (*domain.SyncJob, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, domain.ErrInvalidRecordID
	}
	if !trigger.Valid() {
		return nil, domain.ErrInvalidTrigger
	}
	if idempotencyKey != "" {
		job, err := s.jobs.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			log.WithFields(log.Fields{
				"record_id":       recordID,
				"job_id":          job.JobID,
				"idempotency_key": idempotencyKey,
			}).Info("Duplicate trigger, returning existing job")
			return job, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
	}
	return s.submit(ctx, recordID, trigger, idempotencyKey, "")
}

func (s *SyncService) submit(ctx context.Context, recordID string, trigger domain.Trigger, key, parentJobID string) (*domain.SyncJob, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	if t, ok := s.records[recordID]; ok {
		if (t.job.State.Terminal() || followsUp(trigger, t.job.State)) && t.followUp == "" {
			t.followUp = trigger
		}
		job := t.job.Clone()
		s.mu.Unlock()
		log.WithFields(log.Fields{
			"record_id": recordID,
			"job_id":    job.JobID,
			"state":     job.State,
			"trigger":   trigger,
		}).Info("Record already has an active job, trigger coalesced")
		return job, nil
	}
	job, err := s.reserveLocked(recordID, trigger, parentJobID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.create(ctx, job, key)
}

// reserveLocked claims the record and a queue slot for a new job. The
// caller holds s.mu.
func (s *SyncService) reserveLocked(recordID string, trigger domain.Trigger, parentJobID string) (*domain.SyncJob, error) {
	if s.pending >= cap(s.queue) {
		return nil, domain.ErrQueueFull
	}
	now := s.now()
	job := &domain.SyncJob{
		JobID:       uuid.NewString(),
		RecordID:    recordID,
		Trigger:     trigger,
		State:       domain.StatePending,
		ParentJobID: parentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[recordID] = &tracked{job: job.Clone(), queued: true}
	s.pending++
	return job, nil
}

// create records the reserved job as Pending and queues it.
func (s *SyncService) create(ctx context.Context, job *domain.SyncJob, key string) (*domain.SyncJob, error) {
	created := job.Clone()
	created.State = ""
	if err := s.record(context.WithoutCancel(ctx), created, domain.StatePending, domain.TransitionPayload{}, key); err != nil {
		s.mu.Lock()
		if t, ok := s.records[job.RecordID]; ok && t.job.JobID == job.JobID {
			delete(s.records, job.RecordID)
		}
		s.pending--
		s.mu.Unlock()
		return nil, err
	}
	s.queue <- jobRef{recordID: job.RecordID, jobID: job.JobID}
	return created.Clone(), nil
}

// followsUp reports whether a trigger must run again after the active job:
// the active job has already read both systems and may miss the change.
func followsUp(trigger domain.Trigger, active domain.JobState) bool {
	if trigger != domain.TriggerPush && trigger != domain.TriggerPull {
		return false
	}
	return active != domain.StatePending && active != domain.StateFetching
}

// record appends the transition to the ledger, then persists the job.
func (s *SyncService) record(ctx context.Context, job *domain.SyncJob, to domain.JobState, p domain.TransitionPayload, key string) error {
	from := job.State
	entry, err := s.audit.RecordTransition(ctx, job, from, to, p)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id": job.RecordID,
			"job_id":    job.JobID,
			"state":     from,
		}).Error("Failed to record job transition")
		return fmt.Errorf("failed to record transition %s -> %s: %w", from, to, err)
	}
	job.State = to
	job.UpdatedAt = entry.Timestamp
	if err := s.jobs.Save(ctx, job, key); err != nil {
		log.WithError(err).WithField("job_id", job.JobID).Warn("Failed to persist sync job")
	}

	s.mu.Lock()
	if t, ok := s.records[job.RecordID]; ok && t.job.JobID == job.JobID {
		t.job = job.Clone()
	}
	s.mu.Unlock()

	s.metrics.transition(ctx, to)
	log.WithFields(log.Fields{
		"record_id":   job.RecordID,
		"job_id":      job.JobID,
		"from":        from,
		"state":       to,
		"sequence_no": entry.Sequence,
	}).Info("Sync job transition")
	return nil
}

func (s *SyncService) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case ref := <-s.queue:
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
			s.process(ref)
		}
	}
}

// process runs one job to its stopping point under the record lease.
func (s *SyncService) process(ref jobRef) {
	s.mu.Lock()
	t, ok := s.records[ref.recordID]
	if !ok || t.job.JobID != ref.jobID || t.running {
		s.mu.Unlock()
		return
	}
	job := t.job.Clone()
	ctx, cancel := context.WithCancelCause(s.ctx)
	ttlCancel := context.CancelFunc(func() {})
	if s.opts.JobTTL > 0 {
		ctx, ttlCancel = context.WithTimeoutCause(ctx, s.opts.JobTTL, errJobTTLExceeded)
	}
	t.queued, t.running, t.cancel = false, true, cancel
	if t.cancelReq {
		cancel(errCancelledByOperator)
	}
	s.mu.Unlock()
	defer ttlCancel()
	defer cancel(nil)

	owner := s.opts.Instance + "/" + job.JobID
	held, err := lease.Acquire(s.ctx, s.locker, job.RecordID, owner, s.opts.LeaseTTL)
	if err != nil || held == nil {
		if err != nil {
			log.WithError(err).WithField("record_id", job.RecordID).Warn("Failed to acquire record lease")
		}
		if ctx.Err() != nil {
			r := s.newRun(ctx, job)
			if err := r.cancelNow(); err != nil {
				log.WithError(err).WithField("job_id", job.JobID).Error("Failed to cancel sync job")
			}
			s.finish(job)
			return
		}
		s.retryLater(ref)
		return
	}

	go func() {
		select {
		case <-held.Lost():
			cancel(errLeaseLost)
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	r := s.newRun(ctx, job)
	if err := r.execute(); err != nil && !errors.Is(err, errStopped) {
		log.WithError(err).WithFields(log.Fields{
			"record_id": job.RecordID,
			"job_id":    job.JobID,
			"state":     job.State,
		}).Error("Sync job stopped before reaching a stopping point")
		if job.State != domain.StateAwaitingReview && !job.State.Terminal() {
			s.abandon(context.WithoutCancel(ctx), job, err)
		}
	}
	if err := held.Release(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).WithField("record_id", job.RecordID).Warn("Failed to release record lease")
	}
	s.metrics.run(s.ctx, job.State, time.Since(start))
	s.finish(job)
}

// abandon closes a job whose run failed locally, usually because the
// ledger refused a write. The job is recorded Cancelled and its trigger is
// rerun once as a fresh job. When not even the cancellation can be recorded
// the record is released, so the next trigger starts a new job; recovery
// closes the stale job on the next start.
func (s *SyncService) abandon(ctx context.Context, job *domain.SyncJob, cause error) {
	reason := fmt.Sprintf("abandoned after local failure: %v", cause)
	job.LastError = reason

	var err error
	for attempt := 0; attempt < abandonAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-s.quit:
			case <-time.After(time.Duration(attempt) * abandonBackoff):
			}
		}
		if err = s.record(ctx, job, domain.StateCancelled, domain.TransitionPayload{Reason: reason}, ""); err == nil {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[job.RecordID]
	if !ok || t.job.JobID != job.JobID {
		return
	}
	fields := log.Fields{"record_id": job.RecordID, "job_id": job.JobID}
	if err != nil {
		delete(s.records, job.RecordID)
		log.WithError(err).WithFields(fields).Error("Sync job abandoned, record released")
		return
	}
	if t.followUp == "" && t.reruns < maxReruns {
		t.followUp, t.rerun = job.Trigger, true
	}
	log.WithFields(fields).Warn("Sync job abandoned and cancelled")
}

// retryLater puts a job whose lease is held elsewhere back on the queue.
func (s *SyncService) retryLater(ref jobRef) {
	s.mu.Lock()
	if t, ok := s.records[ref.recordID]; ok && t.job.JobID == ref.jobID {
		t.running, t.cancel = false, nil
	}
	s.mu.Unlock()

	time.AfterFunc(s.opts.LeaseRetry, func() {
		switch err := s.enqueue(ref); {
		case errors.Is(err, domain.ErrQueueFull):
			s.retryLater(ref)
		case err != nil:
			log.WithError(err).WithField("job_id", ref.jobID).Info("Sync job left pending until next start")
		}
	})
}

// enqueueWait enqueues, waiting for room while the queue is full.
func (s *SyncService) enqueueWait(ctx context.Context, ref jobRef) error {
	for {
		err := s.enqueue(ref)
		if !errors.Is(err, domain.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *SyncService) enqueue(ref jobRef) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return domain.ErrShuttingDown
	}
	t, ok := s.records[ref.recordID]
	if !ok || t.job.JobID != ref.jobID || t.queued || t.running {
		s.mu.Unlock()
		return nil
	}
	if s.pending >= cap(s.queue) {
		s.mu.Unlock()
		return domain.ErrQueueFull
	}
	t.queued = true
	s.pending++
	s.mu.Unlock()
	s.queue <- ref
	return nil
}

// finish releases the record after a run. An AwaitingReview job keeps the
// record; any other stopping point frees it, or hands it straight to a
// pending follow-up.
func (s *SyncService) finish(job *domain.SyncJob) {
	s.mu.Lock()
	t, ok := s.records[job.RecordID]
	if !ok || t.job.JobID != job.JobID {
		s.mu.Unlock()
		return
	}
	t.running, t.cancel = false, nil
	if !job.State.Terminal() {
		t.job = job.Clone()
		t.cancelReq = false
		s.mu.Unlock()
		return
	}
	follow, rerun, reruns := t.followUp, t.rerun, t.reruns
	delete(s.records, job.RecordID)
	if follow == "" || s.stopping {
		s.mu.Unlock()
		return
	}
	next, err := s.reserveLocked(job.RecordID, follow, job.JobID)
	if err == nil && rerun {
		s.records[job.RecordID].reruns = reruns + 1
	}
	s.mu.Unlock()
	if err == nil {
		next, err = s.create(s.ctx, next, "")
	}
	if err != nil {
		log.WithError(err).WithField("record_id", job.RecordID).Warn("Failed to schedule follow-up job")
		return
	}
	log.WithFields(log.Fields{
		"record_id":     job.RecordID,
		"job_id":        next.JobID,
		"parent_job_id": job.JobID,
	}).Info("Follow-up job scheduled")
}

func (s *SyncService) Job(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	return s.jobs.Get(ctx, jobID)
}

// Replay re-delivers a job. A job that already reached a stopping point is
// returned unchanged: no push, no baseline change, no audit entry.
func (s *SyncService) Replay(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() || job.State == domain.StateAwaitingReview {
		return job, nil
	}

	s.mu.Lock()
	if t, ok := s.records[job.RecordID]; ok {
		current := t.job.Clone()
		s.mu.Unlock()
		if current.JobID == jobID {
			return current, nil
		}
		return job, nil
	}
	if job.State != domain.StatePending {
		s.mu.Unlock()
		return job, nil
	}
	s.records[job.RecordID] = &tracked{job: job.Clone()}
	s.mu.Unlock()

	if err := s.enqueue(jobRef{recordID: job.RecordID, jobID: job.JobID}); err != nil {
		s.mu.Lock()
		delete(s.records, job.RecordID)
		s.mu.Unlock()
		return nil, err
	}
	log.WithField("job_id", jobID).Info("Pending sync job replayed")
	return job, nil
}

// Cancel asks a non-terminal job to stop at its next state boundary. An
// in-flight external call is allowed to finish.
func (s *SyncService) Cancel(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, domain.ErrJobTerminal
	}

	s.mu.Lock()
	t, ok := s.records[job.RecordID]
	if !ok {
		if job.State != domain.StatePending && job.State != domain.StateAwaitingReview {
			s.mu.Unlock()
			return nil, domain.ErrLeaseHeld
		}
		t = &tracked{job: job.Clone()}
		s.records[job.RecordID] = t
	}
	if t.job.JobID != jobID {
		s.mu.Unlock()
		return nil, domain.ErrJobTerminal
	}
	t.cancelReq = true
	switch {
	case t.running:
		t.cancel(errCancelledByOperator)
	case t.queued:
	default:
		if s.pending >= cap(s.queue) {
			s.mu.Unlock()
			return nil, domain.ErrQueueFull
		}
		t.queued = true
		s.pending++
		s.mu.Unlock()
		s.queue <- jobRef{recordID: job.RecordID, jobID: jobID}
		log.WithField("job_id", jobID).Info("Sync job cancellation requested")
		return job, nil
	}
	current := t.job.Clone()
	s.mu.Unlock()
	log.WithField("job_id", jobID).Info("Sync job cancellation requested")
	return current, nil
}

// Review resumes an AwaitingReview job with operator decisions for its
// unresolved fields.
func (s *SyncService) Review(ctx context.Context, jobID string, decisions domain.Fields) (*domain.SyncJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.StateAwaitingReview {
		return nil, domain.ErrJobNotAwaitingReview
	}
	merged, err := mergeDecisions(job, decisions)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, ok := s.records[job.RecordID]
	if !ok {
		t = &tracked{job: job.Clone()}
		s.records[job.RecordID] = t
	}
	if t.job.JobID != jobID || t.queued || t.running {
		s.mu.Unlock()
		return nil, domain.ErrJobNotAwaitingReview
	}
	if s.pending >= cap(s.queue) {
		s.mu.Unlock()
		return nil, domain.ErrQueueFull
	}
	t.job.Decisions = merged
	t.queued = true
	s.pending++
	resumed := t.job.Clone()
	s.mu.Unlock()

	if err := s.jobs.Save(ctx, resumed, ""); err != nil {
		log.WithError(err).WithField("job_id", jobID).Warn("Failed to persist review decisions")
	}
	s.queue <- jobRef{recordID: job.RecordID, jobID: jobID}
	log.WithFields(log.Fields{
		"record_id": job.RecordID,
		"job_id":    jobID,
		"fields":    merged.Names(),
	}).Info("Review decisions received, job resumed")
	return resumed, nil
}

// mergeDecisions checks operator decisions against the job's conflicts:
// every unresolved field needs a value and no other field may be decided.
func mergeDecisions(job *domain.SyncJob, decisions domain.Fields) (domain.Fields, error) {
	conflicting := make(map[string]bool, len(job.Conflicts))
	for _, c := range job.Conflicts {
		conflicting[c.Field] = true
	}
	merged := job.Decisions.Clone()
	for field, value := range decisions {
		if !conflicting[field] {
			return nil, fmt.Errorf("%w: field %q is not in conflict", domain.ErrInvalidDecision, field)
		}
		merged[field] = domain.NormalizeValue(value)
	}
	for _, c := range job.Conflicts {
		if _, ok := merged[c.Field]; c.Unresolved() && !ok {
			return nil, fmt.Errorf("%w: field %q needs a decision", domain.ErrInvalidDecision, c.Field)
		}
	}
	return merged, nil
}

// Resubmit starts a new job for the record of a failed job.
func (s *SyncService) Resubmit(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case domain.StateValidationFailed, domain.StateRejected, domain.StateDeadLettered, domain.StateCancelled:
	default:
		return nil, domain.ErrJobNotResubmittable
	}
	return s.submit(ctx, job.RecordID, domain.TriggerManual, "", job.JobID)
}

func (s *SyncService) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.deadLetters.List(ctx, limit)
}

// recover closes jobs a crashed process left mid-run and requeues the
// pending ones. Jobs whose lease another live process holds are skipped.
func (s *SyncService) recover(ctx context.Context) error {
	interrupted, err := s.jobs.ListByStates(ctx,
		domain.StateFetching, domain.StateDiffing, domain.StateValidating,
		domain.StateResolvingConflict, domain.StateApplying)
	if err != nil {
		return fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	for _, job := range interrupted {
		owner := s.opts.Instance + "/recovery"
		ok, err := s.locker.TryAcquire(ctx, job.RecordID, owner, s.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to lease %s for recovery: %w", job.RecordID, err)
		}
		if !ok {
			continue
		}
		err = s.record(ctx, job, domain.StateCancelled, domain.TransitionPayload{Reason: "interrupted by process restart"}, "")
		_ = s.locker.Release(ctx, job.RecordID, owner)
		if err != nil {
			return err
		}
		if _, err := s.submit(ctx, job.RecordID, job.Trigger, "", job.JobID); err != nil {
			log.WithError(err).WithField("record_id", job.RecordID).Warn("Failed to requeue interrupted record")
		}
	}

	waiting, err := s.jobs.ListByStates(ctx, domain.StatePending, domain.StateAwaitingReview)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	requeued := 0
	for _, job := range waiting {
		s.mu.Lock()
		if _, ok := s.records[job.RecordID]; !ok {
			s.records[job.RecordID] = &tracked{job: job.Clone()}
		}
		s.mu.Unlock()
		if job.State != domain.StatePending {
			continue
		}
		if err := s.enqueueWait(ctx, jobRef{recordID: job.RecordID, jobID: job.JobID}); err != nil {
			return fmt.Errorf("failed to requeue pending job %s: %w", job.JobID, err)
		}
		requeued++
	}
	log.WithFields(log.Fields{
		"interrupted": len(interrupted),
		"requeued":    requeued,
	}).Info("Sync job recovery finished")
	return nil
}
