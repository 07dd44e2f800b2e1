package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/diff"
	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/retry"
)

// DryRunResult is the outcome of validating a record without syncing it.
type DryRunResult struct {
	RecordID string                    `json:"record_id"`
	Results  []domain.ValidationResult `json:"results"`
	Passed   bool                      `json:"passed"`
	Sequence uint64                    `json:"sequence_no"`
}

// DryRun validates the current state of both sides of a record. Nothing is
// pushed and no job is created; the run is logged as a validation_requested
// audit entry.
func (s *SyncService) DryRun(ctx context.Context, recordID string) (*DryRunResult, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, domain.ErrInvalidRecordID
	}

	snaps := make(map[domain.System]*domain.CanonicalRecord, 2)
	for _, sys := range domain.Systems() {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		rec, err := s.adapters[sys].Fetch(callCtx, recordID)
		cancel()
		switch {
		case adapter.IsNotFound(err):
		case err != nil:
			if retry.Classify(err) == retry.Permanent {
				return nil, domain.PermanentExternalFailure(err)
			}
			return nil, domain.TransientExternalFailure(err)
		default:
			snaps[sys] = &rec
		}
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)
	}

	base, err := s.baselines.Get(ctx, recordID)
	if err != nil && !errors.Is(err, domain.ErrBaselineNotFound) {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	var results []domain.ValidationResult
	for _, sys := range domain.Systems() {
		rec := snaps[sys]
		if rec == nil {
			continue
		}
		var delta domain.Delta
		if rs, err := s.schema.ForType(rec.RecordType); err == nil {
			delta = diff.Diff(rs, base.Side(sys), rec)
		}
		results = append(results, s.validator.Validate(ctx, sys, rec, delta)...)
	}

	entry, err := s.audit.RecordValidationRequested(ctx, recordID, results)
	if err != nil {
		return nil, err
	}
	res := &DryRunResult{
		RecordID: recordID,
		Results:  results,
		Passed:   domain.Passed(results),
		Sequence: entry.Sequence,
	}
	log.WithFields(log.Fields{
		"record_id":   recordID,
		"passed":      res.Passed,
		"sequence_no": entry.Sequence,
	}).Info("Dry-run validation finished")
	return res, nil
}
