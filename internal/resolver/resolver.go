// Package resolver decides, field by field, which side's change a record
// takes when both systems changed it against the same baseline.
package resolver

import (
	"time"

	"lims-eln-sync/internal/domain"
)

// Rule names recorded with each decision.
const (
	RuleSingleSide    = "single_side_change"
	RuleSameValue     = "same_value"
	RuleOwner         = "system_of_record"
	RuleManual        = "manual_decision"
	RuleManualPending = "manual_review_required"
)

// Outcome is the deterministic result of resolving two deltas.
type Outcome struct {
	Decisions []domain.FieldDecision
	Conflicts []domain.ConflictRecord
}

// Unresolved returns the conflicts that still need a manual decision.
func (o Outcome) Unresolved() []domain.ConflictRecord {
	var out []domain.ConflictRecord
	for _, c := range o.Conflicts {
		if c.Unresolved() {
			out = append(out, c)
		}
	}
	return out
}

// Resolved reports whether every changed field has a value to commit.
func (o Outcome) Resolved() bool {
	return len(o.Unresolved()) == 0
}

// Values returns the accepted value of every decided field.
func (o Outcome) Values() domain.Fields {
	out := make(domain.Fields, len(o.Decisions))
	for _, d := range o.Decisions {
		out[d.Field] = d.Value
	}
	return out
}

// Resolver applies the field ownership policy of a schema.
type Resolver struct {
	now func() time.Time
}

// New returns a resolver stamping decisions with the given clock.
func New(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve merges the LIMS and ELN deltas field by field, in sorted field
// order:
//  1. a field changed on one side only takes that side's value;
//  2. both sides changed it to the same value, either is taken (LIMS is recorded);
//  3. both changed it to different values: a declared owner wins, otherwise a
//     manual decision is used if present, else the field needs manual review.
//
// The same inputs always give the same decisions and conflicts.
func (r *Resolver) Resolve(recordID string, schema *domain.RecordSchema, lims, eln domain.Delta, manual domain.Fields) Outcome {
	var out Outcome
	at := r.now().UTC()

	for _, field := range unionFields(lims, eln) {
		lc, inLIMS := lims[field]
		ec, inELN := eln[field]

		switch {
		case inLIMS && !inELN:
			out.Decisions = append(out.Decisions, decision(field, domain.SystemLIMS, lc.New, RuleSingleSide))
		case inELN && !inLIMS:
			out.Decisions = append(out.Decisions, decision(field, domain.SystemELN, ec.New, RuleSingleSide))
		case schema.Equal(field, lc.New, ec.New):
			out.Decisions = append(out.Decisions, decision(field, domain.SystemLIMS, lc.New, RuleSameValue))
		default:
			conflict := domain.ConflictRecord{
				RecordID:   recordID,
				Field:      field,
				SideA:      lc.New,
				SideB:      ec.New,
			}
			spec, _ := schema.Field(field)
			if owner := spec.OwnerSystem(); owner != "" {
				value := lc.New
				if owner == domain.SystemELN {
					value = ec.New
				}
				conflict.Resolution = domain.Resolution{Kind: domain.ResolutionAccepted, Side: owner}
				conflict.ResolvedAt = at
				out.Decisions = append(out.Decisions, decision(field, owner, value, RuleOwner))
			} else if value, ok := manual[field]; ok {
				conflict.Resolution = manualResolution(schema, field, value, lc.New, ec.New)
				conflict.ResolvedAt = at
				out.Decisions = append(out.Decisions, domain.FieldDecision{
					Field:        field,
					AcceptedSide: conflict.Resolution.Side,
					Value:        value,
					Rule:         RuleManual,
				})
			} else {
				conflict.Resolution = domain.Resolution{Kind: domain.ResolutionManualReviewRequired}
			}
			out.Conflicts = append(out.Conflicts, conflict)
		}
	}
	return out
}

// manualResolution maps an operator value onto the side it matches, or an
// override when it matches neither.
func manualResolution(schema *domain.RecordSchema, field string, value, limsValue, elnValue any) domain.Resolution {
	switch {
	case schema.Equal(field, value, limsValue):
		return domain.Resolution{Kind: domain.ResolutionAccepted, Side: domain.SystemLIMS}
	case schema.Equal(field, value, elnValue):
		return domain.Resolution{Kind: domain.ResolutionAccepted, Side: domain.SystemELN}
	default:
		return domain.Resolution{Kind: domain.ResolutionManualOverride}
	}
}

func decision(field string, side domain.System, value any, rule string) domain.FieldDecision {
	return domain.FieldDecision{Field: field, AcceptedSide: side, Value: value, Rule: rule}
}

func unionFields(a, b domain.Delta) []string {
	merged := make(domain.Delta, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged.Fields()
}
