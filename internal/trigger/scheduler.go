package trigger

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

// RecordLister lists every record that has a baseline.
type RecordLister interface {
	RecordIDs(ctx context.Context) ([]string, error)
}

// Scheduler periodically re-syncs every known record.
type Scheduler struct {
	records  RecordLister
	submit   Submitter
	interval time.Duration
}

func NewScheduler(records RecordLister, submit Submitter, interval time.Duration) *Scheduler {
	return &Scheduler{records: records, submit: submit, interval: interval}
}

// Run ticks until ctx is done. A zero interval disables the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		log.Info("Scheduled re-sync disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				log.WithError(err).Warn("Scheduled re-sync failed")
			}
		}
	}
}

// Tick submits one scheduled job per known record and returns how many
// were accepted. Records whose submission fails are retried next tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ids, err := s.records.RecordIDs(ctx)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, id := range ids {
		_, err := s.submit.Submit(ctx, id, domain.TriggerScheduled, "")
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, domain.ErrShuttingDown):
			return accepted, err
		default:
			log.WithError(err).WithField("record_id", id).Warn("Failed to schedule re-sync")
		}
	}
	log.WithFields(log.Fields{
		"records":  len(ids),
		"accepted": accepted,
	}).Info("Scheduled re-sync submitted")
	return accepted, nil
}
