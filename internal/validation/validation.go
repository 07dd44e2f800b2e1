// Package validation runs the ordered checks a candidate record must pass
// before it may be committed to either system.
package validation

import (
	"context"
	"fmt"
	"time"

	"lims-eln-sync/internal/domain"
)

// Check is one stage of the pipeline. Fatal stops the pipeline: later
// checks are not run and not recorded.
type Check interface {
	Name() string
	Run(ctx context.Context, rec *domain.CanonicalRecord, delta domain.Delta) (results []domain.ValidationResult, fatal bool)
}

// Pipeline is an ordered list of checks for one record type.
type Pipeline struct {
	checks []Check
}

func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: checks}
}

// Validate runs every check in order and accumulates its results.
func (p *Pipeline) Validate(ctx context.Context, rec *domain.CanonicalRecord, delta domain.Delta) []domain.ValidationResult {
	var out []domain.ValidationResult
	for _, c := range p.checks {
		results, fatal := c.Run(ctx, rec, delta)
		out = append(out, results...)
		if fatal {
			break
		}
	}
	return out
}

// Validator holds one compiled pipeline per record type.
type Validator struct {
	pipelines map[string]*Pipeline
}

// Options tune the quality classifier stage.
type Options struct {
	Classifier Classifier
	Timeout    time.Duration
	Threshold  float64
}

// New compiles the structural schema and CEL rules of every record type.
// A schema that does not compile is a configuration error.
func New(schema *domain.Schema, opts Options) (*Validator, error) {
	ruleEnv, err := newRuleEnv()
	if err != nil {
		return nil, domain.ConfigurationError(err)
	}
	quality := NewQualityCheck(opts.Classifier, opts.Timeout, opts.Threshold)

	v := &Validator{pipelines: make(map[string]*Pipeline, len(schema.RecordTypes))}
	for _, name := range schema.TypeNames() {
		rs := schema.RecordTypes[name]
		structural, err := NewStructuralCheck(name, rs)
		if err != nil {
			return nil, domain.ConfigurationError(fmt.Errorf("record type %q: %w", name, err))
		}
		rules, err := NewRuleCheck(ruleEnv, rs.Rules)
		if err != nil {
			return nil, domain.ConfigurationError(fmt.Errorf("record type %q: %w", name, err))
		}
		v.pipelines[name] = NewPipeline(structural, rules, quality)
	}
	return v, nil
}

// Validate runs the pipeline of rec's record type. Results are tagged with
// the side the candidate belongs to.
func (v *Validator) Validate(ctx context.Context, side domain.System, rec *domain.CanonicalRecord, delta domain.Delta) []domain.ValidationResult {
	var results []domain.ValidationResult
	if rec == nil {
		results = []domain.ValidationResult{{Check: StructuralCheckName, Outcome: domain.OutcomeFail, Detail: "record is missing"}}
	} else if p, ok := v.pipelines[rec.RecordType]; ok {
		results = p.Validate(ctx, rec, delta)
	} else {
		results = []domain.ValidationResult{{
			Check:   StructuralCheckName,
			Outcome: domain.OutcomeFail,
			Detail:  fmt.Sprintf("unknown record type %q", rec.RecordType),
		}}
	}
	for i := range results {
		results[i].Side = side
	}
	return results
}
