// Package diff computes field-level deltas between two observations of the
// same logical record.
package diff

import (
	"sort"

	"lims-eln-sync/internal/domain"
)

// Diff returns the delta that takes old to new. Either side may be nil;
// fields absent on one side compare as nil. Equality is type-aware through
// the record schema: numeric fields use their declared tolerance, all other
// fields compare exactly. Diff is pure.
func Diff(schema *domain.RecordSchema, old, new *domain.CanonicalRecord) domain.Delta {
	delta := domain.Delta{}
	for _, name := range fieldNames(old, new) {
		before := old.Value(name)
		after := new.Value(name)
		if schema.Equal(name, before, after) {
			continue
		}
		delta[name] = domain.Change{Old: before, New: after}
	}
	return delta
}

// Equivalent reports whether two field sets are equal under the schema.
func Equivalent(schema *domain.RecordSchema, a, b domain.Fields) bool {
	ra := &domain.CanonicalRecord{Fields: a}
	rb := &domain.CanonicalRecord{Fields: b}
	return Diff(schema, ra, rb).Empty()
}

func fieldNames(records ...*domain.CanonicalRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		if r == nil {
			continue
		}
		for k := range r.Fields {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
