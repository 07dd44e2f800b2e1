package adapter

import (
	"context"
	"fmt"
	"time"
)

// Feed is a lazy, infinite iterator over an adapter's change feed. It is
// restartable: a new Feed built from Cursor() resumes after the last fully
// consumed page. Changes of a partially consumed page are delivered again.
type Feed struct {
	adapter Adapter
	limit   int
	poll    time.Duration

	cursor  string
	pending string
	buf     []Change
}

// NewFeed starts a feed at cursor ("" is the beginning).
func NewFeed(a Adapter, cursor string, limit int, poll time.Duration) *Feed {
	if limit <= 0 {
		limit = 100
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Feed{adapter: a, limit: limit, poll: poll, cursor: cursor, pending: cursor}
}

// Next blocks until the next change is available or ctx is done.
func (f *Feed) Next(ctx context.Context) (Change, error) {
	for len(f.buf) == 0 {
		f.cursor = f.pending
		page, err := f.adapter.Changes(ctx, f.cursor, f.limit)
		if err != nil {
			return Change{}, fmt.Errorf("failed to read %s change feed: %w", f.adapter.System(), err)
		}
		if page.Next != "" {
			f.pending = page.Next
		}
		if len(page.Changes) > 0 {
			f.buf = page.Changes
			break
		}
		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-time.After(f.poll):
		}
	}
	c := f.buf[0]
	f.buf = f.buf[1:]
	if len(f.buf) == 0 {
		f.cursor = f.pending
	}
	return c, nil
}

// Cursor returns the resume point after the last fully consumed page.
func (f *Feed) Cursor() string {
	return f.cursor
}
