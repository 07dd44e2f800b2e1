package service

import (
	"context"
	"time"

	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/ledger"
	"lims-eln-sync/internal/retry"
)

type AuditLedger interface {
	Append(ctx context.Context, ev ledger.Event) (domain.AuditEntry, error)
}

// AuditService turns orchestrator events into ledger entries.
type AuditService struct {
	ledger AuditLedger
}

func NewAuditService(l AuditLedger) *AuditService {
	return &AuditService{ledger: l}
}

// RecordTransition appends the one entry a state transition produces.
func (s *AuditService) RecordTransition(ctx context.Context, job *domain.SyncJob, from, to domain.JobState, p domain.TransitionPayload) (domain.AuditEntry, error) {
	p.JobID = job.JobID
	p.Trigger = job.Trigger
	p.From = from
	p.To = to

	return s.ledger.Append(ctx, ledger.Event{
		RecordID: job.RecordID,
		JobID:    job.JobID,
		Kind:     domain.EventJobTransition,
		Data:     p,
	})
}

func (s *AuditService) RecordRetry(ctx context.Context, job *domain.SyncJob, a retry.Attempt) error {
	errText := ""
	if a.Err != nil {
		errText = a.Err.Error()
	}
	_, err := s.ledger.Append(ctx, ledger.Event{
		RecordID: job.RecordID,
		JobID:    job.JobID,
		Kind:     domain.EventRetryScheduled,
		Data: domain.RetryPayload{
			JobID:     job.JobID,
			Operation: a.Op.Name,
			System:    a.Op.System,
			Attempt:   a.Attempt,
			Delay:     a.Delay.Round(time.Millisecond),
			Error:     errText,
		},
	})
	return err
}

func (s *AuditService) RecordBaselineFailure(ctx context.Context, job *domain.SyncJob, version int64, cause error) error {
	_, err := s.ledger.Append(ctx, ledger.Event{
		RecordID: job.RecordID,
		JobID:    job.JobID,
		Kind:     domain.EventBaselineSaveFailed,
		Data: domain.BaselineSaveFailedPayload{
			JobID:           job.JobID,
			BaselineVersion: version,
			Error:           cause.Error(),
		},
	})
	return err
}

// RecordValidationRequested logs a dry-run validation. It is informational
// and belongs to no job.
func (s *AuditService) RecordValidationRequested(ctx context.Context, recordID string, results []domain.ValidationResult) (domain.AuditEntry, error) {
	return s.ledger.Append(ctx, ledger.Event{
		RecordID: recordID,
		Kind:     domain.EventValidationRequested,
		Data: domain.ValidationRequestedPayload{
			Results: results,
			Passed:  domain.Passed(results),
		},
	})
}
