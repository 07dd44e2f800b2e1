package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaYAML = `
version: 1.2.0
record_types:
  sample:
    fields:
      - name: sample_id
        type: string
        required: true
      - name: status
        enum: [registered, pending, complete]
      - name: concentration
        type: number
        comparison: numeric
        tolerance: 0.01
      - name: result
        type: number
        owner: LIMS
    rules:
      - name: concentration_positive
        expr: "!has(record.concentration) || record.concentration >= 0.0"
        severity: fail
    mapping:
      lims:
        SampleID: sample_id
`

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema([]byte(schemaYAML))
	require.NoError(t, err)

	rs, err := s.ForType("sample")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", rs.Version)
	assert.Equal(t, []string{"sample_id"}, rs.Required())
	assert.Equal(t, map[string]string{"SampleID": "sample_id"}, rs.Mapping[SystemLIMS])

	status, ok := rs.Field("status")
	require.True(t, ok)
	assert.Equal(t, TypeString, status.Type)
	assert.Equal(t, CompareExact, status.Comparison)
	assert.Empty(t, status.OwnerSystem())

	result, _ := rs.Field("result")
	assert.Equal(t, SystemLIMS, result.OwnerSystem())

	assert.True(t, rs.Equal("concentration", 1.0, 1.005))
	assert.False(t, rs.Equal("concentration", 1.0, 1.02))
	assert.False(t, rs.Equal("status", "pending", "Pending"))
	assert.True(t, rs.Equal("missing", nil, nil))

	_, err = s.ForType("aliquot")
	assert.ErrorIs(t, err, ErrUnknownRecordType)
}

func TestParseSchema_Rejects(t *testing.T) {
	cases := map[string]string{
		"unsupported major": "version: 2.0.0\nrecord_types:\n  sample:\n    fields: [{name: a}]\n",
		"not semver":        "version: latest\nrecord_types:\n  sample:\n    fields: [{name: a}]\n",
		"no record types":   "version: 1.0.0\n",
		"unknown owner":     "version: 1.0.0\nrecord_types:\n  sample:\n    fields: [{name: a, owner: erp}]\n",
		"duplicate field":   "version: 1.0.0\nrecord_types:\n  sample:\n    fields: [{name: a}, {name: a}]\n",
		"numeric on string": "version: 1.0.0\nrecord_types:\n  sample:\n    fields: [{name: a, comparison: numeric}]\n",
		"unknown type":      "version: 1.0.0\nrecord_types:\n  sample:\n    fields: [{name: a, type: blob}]\n",
		"rule without expr": "version: 1.0.0\nrecord_types:\n  sample:\n    fields: [{name: a}]\n    rules: [{name: r}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchema([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition("", StatePending))
	assert.True(t, CanTransition(StateValidating, StateResolvingConflict))
	assert.True(t, CanTransition(StateAwaitingReview, StateResolvingConflict))
	assert.True(t, CanTransition(StateDiffing, StateCommitted))

	assert.False(t, CanTransition(StatePending, StateApplying))
	assert.False(t, CanTransition(StateAwaitingReview, StateApplying))
	for _, terminal := range []JobState{StateCommitted, StateValidationFailed, StateRejected, StateDeadLettered, StateCancelled} {
		assert.True(t, terminal.Terminal())
		assert.False(t, CanTransition(terminal, StatePending), "%s must be terminal", terminal)
	}
	assert.False(t, StateAwaitingReview.Terminal())
	assert.False(t, StateAwaitingReview.Running())
	assert.True(t, StateApplying.Running())
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2026, 5, 4, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, 3.0, NormalizeValue(3))
	assert.Equal(t, 2.5, NormalizeValue(json.Number("2.5")))
	assert.Equal(t, "2026-05-04T11:00:00Z", NormalizeValue(ts))
	assert.Equal(t, `{"a":1}`, NormalizeValue(map[string]int{"a": 1}))
	assert.Nil(t, NormalizeValue(nil))
}

func TestSyncJobClone(t *testing.T) {
	rec := NewCanonicalRecord("S-1", "sample", SystemLIMS, "1", time.Now(), map[string]any{"status": "pending"})
	job := &SyncJob{
		JobID:     "j",
		Snapshots: map[System]*CanonicalRecord{SystemLIMS: &rec, SystemELN: nil},
		Deltas:    map[System]Delta{SystemLIMS: {"status": {New: "pending"}}},
		Decisions: Fields{"status": "pending"},
	}
	c := job.Clone()
	c.Snapshots[SystemLIMS].Fields["status"] = "complete"
	c.Deltas[SystemLIMS]["x"] = Change{}
	c.Decisions["y"] = 1.0

	assert.Equal(t, "pending", job.Snapshots[SystemLIMS].Fields["status"])
	assert.Len(t, job.Deltas[SystemLIMS], 1)
	assert.Len(t, job.Decisions, 1)
	assert.Nil(t, c.Snapshots[SystemELN])
}

func TestErrorCategories(t *testing.T) {
	cause := errors.New("schema file missing")
	err := ConfigurationError(cause)

	assert.Equal(t, CategoryConfiguration, CategoryOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, TransientExternalFailure(nil))

	li := LedgerIntegrityFailure(errors.New("hash mismatch at 7"))
	assert.ErrorIs(t, li, ErrLedgerIntegrity)
	assert.True(t, IsCategory(li, CategoryLedgerIntegrity))
	assert.Empty(t, CategoryOf(cause))
}
