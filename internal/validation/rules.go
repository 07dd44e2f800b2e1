package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"lims-eln-sync/internal/domain"
)

const RuleCheckPrefix = "rule:"

// Severity values of a business rule.
const (
	SeverityFail = "fail"
	SeverityWarn = "warn"
)

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("record", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("delta", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("record_type", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

type compiledRule struct {
	rule    domain.Rule
	program cel.Program
}

// RuleCheck evaluates the business rules of a record type. Each rule is a
// CEL boolean over `record` (field map), `delta` (field → {old, new}) and
// `record_type`; false yields the rule's severity.
type RuleCheck struct {
	rules []compiledRule
}

func NewRuleCheck(env *cel.Env, rules []domain.Rule) (*RuleCheck, error) {
	rc := &RuleCheck{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q compilation failed: %w", r.Name, issues.Err())
		}
		if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", r.Name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q program construction failed: %w", r.Name, err)
		}
		switch strings.ToLower(r.Severity) {
		case "", SeverityFail:
			r.Severity = SeverityFail
		case SeverityWarn:
			r.Severity = SeverityWarn
		default:
			return nil, fmt.Errorf("rule %q has unknown severity %q", r.Name, r.Severity)
		}
		rc.rules = append(rc.rules, compiledRule{rule: r, program: prg})
	}
	return rc, nil
}

func (c *RuleCheck) Name() string {
	return "rules"
}

func (c *RuleCheck) Run(ctx context.Context, rec *domain.CanonicalRecord, delta domain.Delta) ([]domain.ValidationResult, bool) {
	if len(c.rules) == 0 {
		return nil, false
	}
	deltaVars := make(map[string]any, len(delta))
	for field, ch := range delta {
		deltaVars[field] = map[string]any{"old": ch.Old, "new": ch.New}
	}
	input := map[string]any{
		"record":      map[string]any(rec.Fields),
		"delta":       deltaVars,
		"record_type": rec.RecordType,
	}

	results := make([]domain.ValidationResult, 0, len(c.rules))
	for _, r := range c.rules {
		name := RuleCheckPrefix + r.rule.Name
		out, _, err := r.program.ContextEval(ctx, input)
		if err != nil {
			results = append(results, domain.ValidationResult{
				Check:   name,
				Outcome: domain.OutcomeWarn,
				Detail:  fmt.Sprintf("rule evaluation error: %v", err),
			})
			continue
		}
		passed, ok := out.Value().(bool)
		switch {
		case !ok:
			results = append(results, domain.ValidationResult{Check: name, Outcome: domain.OutcomeWarn, Detail: "rule did not return a bool"})
		case passed:
			results = append(results, domain.ValidationResult{Check: name, Outcome: domain.OutcomePass})
		default:
			outcome := domain.OutcomeFail
			if r.rule.Severity == SeverityWarn {
				outcome = domain.OutcomeWarn
			}
			detail := r.rule.Message
			if detail == "" {
				detail = "rule not satisfied: " + r.rule.Expr
			}
			results = append(results, domain.ValidationResult{Check: name, Outcome: outcome, Detail: detail})
		}
	}
	return results, false
}
