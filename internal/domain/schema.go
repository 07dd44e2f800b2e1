package domain

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// supportedSchemaVersions is the range of schema file versions the engine reads.
const supportedSchemaVersions = ">= 1.0.0, < 2.0.0"

var (
	ErrUnknownRecordType = errors.New("unknown record type")
	ErrInvalidSchema     = errors.New("invalid schema")
)

// Field value types.
const (
	TypeString    = "string"
	TypeNumber    = "number"
	TypeBoolean   = "boolean"
	TypeTimestamp = "timestamp"
)

// Comparison semantics for a field.
const (
	CompareExact   = "exact"
	CompareNumeric = "numeric"
)

// Owner value meaning no declared system of record.
const OwnerNone = "none"

// FieldSpec is the declared metadata of one canonical field.
type FieldSpec struct {
	Name       string   `yaml:"name" json:"name"`
	Type       string   `yaml:"type" json:"type"`
	Required   bool     `yaml:"required" json:"required"`
	Owner      string   `yaml:"owner" json:"owner,omitempty"`
	Comparison string   `yaml:"comparison" json:"comparison,omitempty"`
	Tolerance  float64  `yaml:"tolerance" json:"tolerance,omitempty"`
	Enum       []string `yaml:"enum" json:"enum,omitempty"`
}

// OwnerSystem returns the system of record, or "" when the field has no owner.
func (f FieldSpec) OwnerSystem() System {
	s := System(strings.ToLower(f.Owner))
	if s.Valid() {
		return s
	}
	return ""
}

// Rule is a business rule expressed in CEL over `record` and `delta`.
type Rule struct {
	Name     string `yaml:"name" json:"name"`
	Expr     string `yaml:"expr" json:"expr"`
	Severity string `yaml:"severity" json:"severity"`
	Message  string `yaml:"message" json:"message"`
}

// RecordSchema is the declared, versioned field set of one record type.
type RecordSchema struct {
	Version string                       `yaml:"version" json:"version"`
	Fields  []FieldSpec                  `yaml:"fields" json:"fields"`
	Rules   []Rule                       `yaml:"rules" json:"rules,omitempty"`
	Mapping map[System]map[string]string `yaml:"mapping" json:"mapping,omitempty"`

	byName map[string]FieldSpec
}

// Field returns the spec of a declared field.
func (s *RecordSchema) Field(name string) (FieldSpec, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Required lists required field names in declaration order.
func (s *RecordSchema) Required() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Equal compares two normalized values of a field. Numeric fields compare
// within the declared tolerance; everything else compares exactly. Absent
// values are nil.
func (s *RecordSchema) Equal(field string, a, b any) bool {
	if s != nil {
		if spec, ok := s.byName[field]; ok && spec.Comparison == CompareNumeric {
			fa, okA := numericValue(a)
			fb, okB := numericValue(b)
			if okA && okB {
				return math.Abs(fa-fb) <= spec.Tolerance
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

// Schema is the complete field table for every record type.
type Schema struct {
	Version     string                   `yaml:"version" json:"version"`
	RecordTypes map[string]*RecordSchema `yaml:"record_types" json:"record_types"`
}

// LoadSchema reads and validates a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

// MustSchema builds a schema from in-memory record schemas. It panics on
// invalid input and is meant for tests and defaults.
func MustSchema(version string, types map[string]*RecordSchema) *Schema {
	s := &Schema{Version: version, RecordTypes: types}
	if err := s.init(); err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) init() error {
	constraint, err := semver.NewConstraint(supportedSchemaVersions)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidSchema, s.Version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: version %s outside supported range %s", ErrInvalidSchema, v, supportedSchemaVersions)
	}
	if len(s.RecordTypes) == 0 {
		return fmt.Errorf("%w: no record types declared", ErrInvalidSchema)
	}

	for name, rs := range s.RecordTypes {
		if rs == nil {
			return fmt.Errorf("%w: record type %q is empty", ErrInvalidSchema, name)
		}
		if rs.Version == "" {
			rs.Version = s.Version
		}
		if _, err := semver.NewVersion(rs.Version); err != nil {
			return fmt.Errorf("%w: record type %q version %q", ErrInvalidSchema, name, rs.Version)
		}
		rs.byName = make(map[string]FieldSpec, len(rs.Fields))
		for i, f := range rs.Fields {
			if f.Name == "" {
				return fmt.Errorf("%w: record type %q field %d has no name", ErrInvalidSchema, name, i)
			}
			if _, dup := rs.byName[f.Name]; dup {
				return fmt.Errorf("%w: record type %q declares %q twice", ErrInvalidSchema, name, f.Name)
			}
			switch f.Type {
			case TypeString, TypeNumber, TypeBoolean, TypeTimestamp:
			case "":
				f.Type = TypeString
			default:
				return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, f.Name, f.Type)
			}
			switch strings.ToLower(f.Owner) {
			case "", OwnerNone, string(SystemLIMS), string(SystemELN):
			default:
				return fmt.Errorf("%w: field %q has unknown owner %q", ErrInvalidSchema, f.Name, f.Owner)
			}
			if f.Comparison == "" {
				f.Comparison = CompareExact
			}
			if f.Comparison == CompareNumeric && f.Type != TypeNumber {
				return fmt.Errorf("%w: field %q uses numeric comparison on type %s", ErrInvalidSchema, f.Name, f.Type)
			}
			rs.Fields[i] = f
			rs.byName[f.Name] = f
		}
		for _, r := range rs.Rules {
			if r.Name == "" || r.Expr == "" {
				return fmt.Errorf("%w: record type %q has a rule without name or expr", ErrInvalidSchema, name)
			}
		}
	}
	return nil
}

// ForType returns the schema of a record type.
func (s *Schema) ForType(recordType string) (*RecordSchema, error) {
	rs, ok := s.RecordTypes[recordType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, recordType)
	}
	return rs, nil
}

// TypeNames returns the declared record types in sorted order.
func (s *Schema) TypeNames() []string {
	names := make([]string, 0, len(s.RecordTypes))
	for k := range s.RecordTypes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
