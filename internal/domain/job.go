package domain

import (
	"time"
)

// JobState is a state of the per-record sync state machine.
type JobState string

const (
	StatePending           JobState = "pending"
	StateFetching          JobState = "fetching"
	StateDiffing           JobState = "diffing"
	StateValidating        JobState = "validating"
	StateResolvingConflict JobState = "resolving_conflict"
	StateApplying          JobState = "applying"
	StateCommitted         JobState = "committed"
	StateValidationFailed  JobState = "validation_failed"
	StateAwaitingReview    JobState = "awaiting_review"
	StateRejected          JobState = "rejected"
	StateDeadLettered      JobState = "dead_lettered"
	StateCancelled         JobState = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
func (s JobState) Terminal() bool {
	switch s {
	case StateCommitted, StateValidationFailed, StateRejected, StateDeadLettered, StateCancelled:
		return true
	}
	return false
}

// Running reports whether a worker is executing the job in this state.
func (s JobState) Running() bool {
	switch s {
	case StateFetching, StateDiffing, StateValidating, StateResolvingConflict, StateApplying:
		return true
	}
	return false
}

// transitions lists every allowed edge of the state machine.
var transitions = map[JobState][]JobState{
	"":                     {StatePending},
	StatePending:           {StateFetching, StateCancelled},
	StateFetching:          {StateDiffing, StateRejected, StateDeadLettered, StateCancelled},
	StateDiffing:           {StateValidating, StateCommitted, StateCancelled},
	StateValidating:        {StateResolvingConflict, StateApplying, StateValidationFailed, StateCancelled},
	StateResolvingConflict: {StateApplying, StateAwaitingReview, StateValidationFailed, StateRejected, StateDeadLettered, StateCancelled},
	StateApplying:          {StateCommitted, StateRejected, StateDeadLettered, StateCancelled},
	StateAwaitingReview:    {StateResolvingConflict, StateCancelled},
}

// CanTransition reports whether from→to is an edge of the state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Trigger is what caused a sync job.
type Trigger string

const (
	TriggerPush      Trigger = "push"
	TriggerPull      Trigger = "pull"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerPush, TriggerPull, TriggerScheduled, TriggerManual:
		return true
	}
	return false
}

// Outcome of a validation check.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeWarn Outcome = "warn"
)

// ValidationResult is the outcome of one check against a candidate record.
type ValidationResult struct {
	Check   string  `json:"check_name"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	Side    System  `json:"side,omitempty"`
}

// Passed reports whether none of the results is a failure.
func Passed(results []ValidationResult) bool {
	for _, r := range results {
		if r.Outcome == OutcomeFail {
			return false
		}
	}
	return true
}

// SyncJob is one run of the state machine for a record. JobID doubles as
// the idempotency key for pushes to external systems.
type SyncJob struct {
	JobID        string    `json:"job_id"`
	RecordID     string    `json:"record_id"`
	Trigger      Trigger   `json:"trigger"`
	AttemptCount int       `json:"attempt_count"`
	State        JobState  `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	ParentJobID  string    `json:"parent_job_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Working set carried across AwaitingReview.
	Snapshots  map[System]*CanonicalRecord `json:"snapshots,omitempty"`
	Deltas     map[System]Delta            `json:"deltas,omitempty"`
	Validation []ValidationResult          `json:"validation,omitempty"`
	Conflicts  []ConflictRecord            `json:"conflicts,omitempty"`
	Decisions  Fields                      `json:"manual_decisions,omitempty"`
}

// Clone returns a copy that shares no maps or slices with j.
func (j *SyncJob) Clone() *SyncJob {
	c := *j
	if j.Snapshots != nil {
		c.Snapshots = make(map[System]*CanonicalRecord, len(j.Snapshots))
		for k, v := range j.Snapshots {
			if v != nil {
				rec := *v
				rec.Fields = v.Fields.Clone()
				c.Snapshots[k] = &rec
			} else {
				c.Snapshots[k] = nil
			}
		}
	}
	if j.Deltas != nil {
		c.Deltas = make(map[System]Delta, len(j.Deltas))
		for k, d := range j.Deltas {
			nd := make(Delta, len(d))
			for f, ch := range d {
				nd[f] = ch
			}
			c.Deltas[k] = nd
		}
	}
	c.Validation = append([]ValidationResult(nil), j.Validation...)
	c.Conflicts = append([]ConflictRecord(nil), j.Conflicts...)
	if j.Decisions != nil {
		c.Decisions = j.Decisions.Clone()
	}
	return &c
}

// DeadLetter is a job that exhausted its retry budget.
type DeadLetter struct {
	JobID     string    `json:"job_id"`
	RecordID  string    `json:"record_id"`
	Operation string    `json:"operation"`
	System    System    `json:"system,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
