// Package adapter is the I/O boundary to the external LIMS and ELN systems.
// Adapters translate system-native records to and from the canonical model
// and carry no sync policy; they never write to the audit ledger.
package adapter

import (
	"context"
	"time"

	"lims-eln-sync/internal/domain"
)

// PushRequest is an approved change for one external system.
// IdempotencyKey is the sync job id; pushing the same key twice must have
// no additional effect.
type PushRequest struct {
	RecordID       string
	RecordType     string
	Fields         domain.Fields
	IdempotencyKey string
}

// Ack acknowledges a push. Duplicate is set when the external system had
// already applied the same idempotency key.
type Ack struct {
	Version   string
	Duplicate bool
}

// Change is one entry of a system's change feed.
type Change struct {
	RecordID   string    `json:"record_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// ChangePage is one page of a change feed. Next resumes after the page.
type ChangePage struct {
	Changes []Change
	Next    string
}

// Adapter exposes fetch-by-id, push-with-idempotency-token and a resumable
// change feed of one external system. Fetch returns an *Error of KindNotFound
// when the record does not exist.
type Adapter interface {
	System() domain.System
	Fetch(ctx context.Context, recordID string) (domain.CanonicalRecord, error)
	Push(ctx context.Context, req PushRequest) (Ack, error)
	Changes(ctx context.Context, cursor string, limit int) (ChangePage, error)
}
