package domain

import (
	"sort"
	"time"
)

// Change is the before and after value of one field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Delta maps field names to their change relative to the baseline.
type Delta map[string]Change

// Empty reports whether the delta carries no change.
func (d Delta) Empty() bool {
	return len(d) == 0
}

// Fields returns the changed field names in sorted order.
func (d Delta) Fields() []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Overlaps reports whether both deltas touch at least one common field.
func (d Delta) Overlaps(other Delta) bool {
	for k := range d {
		if _, ok := other[k]; ok {
			return true
		}
	}
	return false
}

// ResolutionKind is the outcome of conflict resolution for one field.
type ResolutionKind string

const (
	ResolutionAccepted             ResolutionKind = "accepted"
	ResolutionManualReviewRequired ResolutionKind = "manual_review_required"
	ResolutionManualOverride       ResolutionKind = "manual_override"
)

// Resolution is Accepted(side), ManualReviewRequired, or an operator override.
type Resolution struct {
	Kind ResolutionKind `json:"kind"`
	Side System         `json:"side,omitempty"`
}

// ConflictRecord exists only when both sides changed the same field to
// different values.
type ConflictRecord struct {
	RecordID   string     `json:"record_id"`
	Field      string     `json:"field"`
	SideA      any        `json:"side_a_value"`
	SideB      any        `json:"side_b_value"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt time.Time  `json:"resolved_at,omitzero"`
}

// Unresolved reports whether the conflict still needs a manual decision.
func (c ConflictRecord) Unresolved() bool {
	return c.Resolution.Kind == ResolutionManualReviewRequired
}

// FieldDecision records which side's value a field takes on commit.
type FieldDecision struct {
	Field        string `json:"field"`
	AcceptedSide System `json:"accepted_side,omitempty"`
	Value        any    `json:"value"`
	Rule         string `json:"rule"`
}

// Baseline is the last record pair known to be mutually consistent.
type Baseline struct {
	RecordID      string           `json:"record_id"`
	RecordType    string           `json:"record_type"`
	Version       int64            `json:"version"`
	SchemaVersion string           `json:"schema_version"`
	LIMS          *CanonicalRecord `json:"lims,omitempty"`
	ELN           *CanonicalRecord `json:"eln,omitempty"`
	CommittedAt   time.Time        `json:"committed_at"`
}

// Side returns the baseline snapshot for a system, nil if none.
func (b *Baseline) Side(s System) *CanonicalRecord {
	if b == nil {
		return nil
	}
	if s == SystemLIMS {
		return b.LIMS
	}
	return b.ELN
}
