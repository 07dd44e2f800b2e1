package domain

import (
	"encoding/json"
	"time"
)

// EventKind categorizes audit entries.
type EventKind string

const (
	EventJobTransition       EventKind = "job_transition"
	EventRetryScheduled      EventKind = "retry_scheduled"
	EventValidationRequested EventKind = "validation_requested"
	EventBaselineSaveFailed  EventKind = "baseline_save_failed"
)

// AuditEntry is one immutable link of the hash chain.
// EntryHash = sha256(PrevHash ‖ Payload ‖ Timestamp), Payload being the
// canonical JSON of the event envelope.
type AuditEntry struct {
	Sequence  uint64          `json:"sequence_no"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
	RecordID  string          `json:"record_id"`
	EventKind EventKind       `json:"event_kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TransitionPayload is the payload of an EventJobTransition entry.
type TransitionPayload struct {
	JobID           string             `json:"job_id"`
	Trigger         Trigger            `json:"trigger,omitempty"`
	From            JobState           `json:"from"`
	To              JobState           `json:"to"`
	Reason          string             `json:"reason,omitempty"`
	NoOp            bool               `json:"noop,omitempty"`
	Validation      []ValidationResult `json:"validation,omitempty"`
	Decisions       []FieldDecision    `json:"decisions,omitempty"`
	Conflicts       []ConflictRecord   `json:"conflicts,omitempty"`
	Pushed          []System           `json:"pushed,omitempty"`
	BaselineVersion int64              `json:"baseline_version,omitempty"`
	SourceVersions  map[System]string  `json:"source_versions,omitempty"`
}

// RetryPayload is the payload of an EventRetryScheduled entry.
type RetryPayload struct {
	JobID     string        `json:"job_id"`
	Operation string        `json:"operation"`
	System    System        `json:"system"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay_ns"`
	Error     string        `json:"error"`
}

// BaselineSaveFailedPayload notes a committed job whose baseline could not
// be stored. The record keeps diffing against the previous baseline.
type BaselineSaveFailedPayload struct {
	JobID           string `json:"job_id"`
	BaselineVersion int64  `json:"baseline_version"`
	Error           string `json:"error"`
}

// ValidationRequestedPayload is the payload of a dry-run validation entry.
type ValidationRequestedPayload struct {
	Results []ValidationResult `json:"results"`
	Passed  bool               `json:"passed"`
}
