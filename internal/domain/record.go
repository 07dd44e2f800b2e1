package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// System identifies one of the two external systems kept in sync.
type System string

const (
	SystemLIMS System = "lims"
	SystemELN  System = "eln"
)

// Systems returns both systems in their fixed processing order.
func Systems() []System {
	return []System{SystemLIMS, SystemELN}
}

// Other returns the opposite system.
func (s System) Other() System {
	if s == SystemLIMS {
		return SystemELN
	}
	return SystemLIMS
}

func (s System) Valid() bool {
	return s == SystemLIMS || s == SystemELN
}

// Fields is a canonical field map. Values are normalized with NormalizeValue.
type Fields map[string]any

// Clone returns a shallow copy; values are immutable scalars after normalization.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CanonicalRecord is one observation of a logical record in one system.
// A new observation is a new value; a prior one is never mutated.
type CanonicalRecord struct {
	RecordID      string    `json:"record_id"`
	RecordType    string    `json:"record_type"`
	Fields        Fields    `json:"fields"`
	SourceSystem  System    `json:"source_system"`
	SourceVersion string    `json:"source_version"`
	ObservedAt    time.Time `json:"observed_at"`
}

// NewCanonicalRecord builds a record with normalized field values.
func NewCanonicalRecord(recordID, recordType string, system System, version string, observedAt time.Time, fields map[string]any) CanonicalRecord {
	normalized := make(Fields, len(fields))
	for k, v := range fields {
		normalized[k] = NormalizeValue(v)
	}
	return CanonicalRecord{
		RecordID:      recordID,
		RecordType:    recordType,
		Fields:        normalized,
		SourceSystem:  system,
		SourceVersion: version,
		ObservedAt:    observedAt.UTC(),
	}
}

// WithFields returns a new observation of the same record carrying fields.
func (r CanonicalRecord) WithFields(fields Fields, version string, observedAt time.Time) CanonicalRecord {
	next := r
	next.Fields = fields.Clone()
	next.SourceVersion = version
	next.ObservedAt = observedAt.UTC()
	return next
}

// Value returns the field value, nil when absent.
func (r *CanonicalRecord) Value(field string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[field]
}

// NormalizeValue maps adapter values onto the canonical value set:
// nil, bool, string, float64. Integers and json.Number become float64,
// time.Time becomes an RFC 3339 UTC string. Nested values are kept as
// their JSON text so they compare exactly.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// numericValue reports v as a float when it is numeric.
func numericValue(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
