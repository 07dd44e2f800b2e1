package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"lims-eln-sync/internal/domain"
)

const StructuralCheckName = "structural"

// StructuralCheck validates a record against a JSON Schema generated from
// the declared field set. A value of the wrong type is fatal; missing
// required fields, enum and format violations fail without stopping the
// pipeline.
type StructuralCheck struct {
	schema *jsonschema.Schema
}

// NewStructuralCheck compiles the JSON Schema of one record type.
func NewStructuralCheck(recordType string, rs *domain.RecordSchema) (*StructuralCheck, error) {
	doc, err := json.Marshal(jsonSchemaFor(rs))
	if err != nil {
		return nil, fmt.Errorf("failed to render json schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := fmt.Sprintf("https://lims-eln-sync.local/schemas/%s.schema.json", recordType)
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("structural schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("structural schema compile failed: %w", err)
	}
	return &StructuralCheck{schema: compiled}, nil
}

func jsonSchemaFor(rs *domain.RecordSchema) map[string]any {
	props := make(map[string]any, len(rs.Fields))
	for _, f := range rs.Fields {
		p := map[string]any{}
		switch f.Type {
		case domain.TypeNumber:
			p["type"] = "number"
		case domain.TypeBoolean:
			p["type"] = "boolean"
		case domain.TypeTimestamp:
			p["type"] = "string"
			p["format"] = "date-time"
		default:
			p["type"] = "string"
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		props[f.Name] = p
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if req := rs.Required(); len(req) > 0 {
		doc["required"] = req
	}
	return doc
}

func (s *StructuralCheck) Name() string {
	return StructuralCheckName
}

func (s *StructuralCheck) Run(_ context.Context, rec *domain.CanonicalRecord, _ domain.Delta) ([]domain.ValidationResult, bool) {
	// Null and absent are the same value.
	instance := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		if v != nil {
			instance[k] = v
		}
	}

	err := s.schema.Validate(instance)
	if err == nil {
		return []domain.ValidationResult{{Check: StructuralCheckName, Outcome: domain.OutcomePass}}, false
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []domain.ValidationResult{{Check: StructuralCheckName, Outcome: domain.OutcomeFail, Detail: err.Error()}}, true
	}

	var typeErrs, other []string
	for _, leaf := range leaves(ve) {
		detail := leaf.Message
		if leaf.InstanceLocation != "" {
			detail = strings.TrimPrefix(leaf.InstanceLocation, "/") + ": " + leaf.Message
		}
		if strings.HasSuffix(leaf.KeywordLocation, "/type") {
			typeErrs = append(typeErrs, detail)
			continue
		}
		other = append(other, detail)
	}
	if len(typeErrs) > 0 {
		sort.Strings(typeErrs)
		return []domain.ValidationResult{{
			Check:   StructuralCheckName,
			Outcome: domain.OutcomeFail,
			Detail:  "malformed record: " + strings.Join(typeErrs, "; "),
		}}, true
	}

	sort.Strings(other)
	results := make([]domain.ValidationResult, 0, len(other))
	for _, d := range other {
		results = append(results, domain.ValidationResult{Check: StructuralCheckName, Outcome: domain.OutcomeFail, Detail: d})
	}
	return results, false
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
