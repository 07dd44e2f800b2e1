// Package trigger turns external change signals into sync jobs.
package trigger

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/domain"
)

// Submitter enqueues sync jobs.
type Submitter interface {
	Submit(ctx context.Context, recordID string, trigger domain.Trigger, idempotencyKey string) (*domain.SyncJob, error)
}

// CursorStore persists the change feed position of each system.
type CursorStore interface {
	GetCursor(ctx context.Context, system domain.System) (string, error)
	SaveCursor(ctx context.Context, system domain.System, cursor string) error
}

// FeedPoller drains one system's change feed into pull jobs.
type FeedPoller struct {
	adapter adapter.Adapter
	cursors CursorStore
	submit  Submitter
	limit   int
	poll    time.Duration
}

func NewFeedPoller(a adapter.Adapter, cursors CursorStore, submit Submitter, limit int, poll time.Duration) *FeedPoller {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &FeedPoller{adapter: a, cursors: cursors, submit: submit, limit: limit, poll: poll}
}

// Run polls until ctx is done. Feed errors restart the feed from the last
// saved cursor after one poll interval.
func (p *FeedPoller) Run(ctx context.Context) error {
	system := p.adapter.System()
	logger := log.WithField("system", system)
	logger.Info("Change feed poller started")

	for {
		err := p.drain(ctx)
		if ctx.Err() != nil || errors.Is(err, domain.ErrShuttingDown) {
			logger.Info("Change feed poller stopped")
			return nil
		}
		logger.WithError(err).Warn("Change feed interrupted, restarting from saved cursor")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.poll):
		}
	}
}

func (p *FeedPoller) drain(ctx context.Context) error {
	system := p.adapter.System()
	cursor, err := p.cursors.GetCursor(ctx, system)
	if err != nil {
		return err
	}
	feed := adapter.NewFeed(p.adapter, cursor, p.limit, p.poll)
	saved := cursor

	for {
		change, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		if err := p.enqueue(ctx, change); err != nil {
			return err
		}
		if next := feed.Cursor(); next != saved {
			if err := p.cursors.SaveCursor(ctx, system, next); err != nil {
				return err
			}
			saved = next
		}
	}
}

// enqueue submits one change, waiting while the queue is full. The key makes
// a change redelivered after a restart coalesce into the job it created.
func (p *FeedPoller) enqueue(ctx context.Context, c adapter.Change) error {
	key := string(p.adapter.System()) + ":" + c.RecordID + ":" + c.ObservedAt.UTC().Format(time.RFC3339Nano)
	for {
		_, err := p.submit.Submit(ctx, c.RecordID, domain.TriggerPull, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrQueueFull):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.poll):
			}
		case errors.Is(err, domain.ErrInvalidRecordID):
			log.WithField("system", p.adapter.System()).Warn("Skipping change without record id")
			return nil
		default:
			return err
		}
	}
}
