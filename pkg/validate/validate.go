// Package validate provides declarative payload validation for room events,
// plus a WebRTC-specific layer for voice signaling payloads.
package validate

import (
	"fmt"

	"github.com/jamfoundry/jamcore/pkg/errors"
)

// FieldType is the expected JSON type of a payload field
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Field describes one payload field of a schema
type Field struct {
	// Name is the payload key
	Name string

	// Type is the expected JSON type
	Type FieldType

	// Required fails validation when the field is absent
	Required bool

	// MaxLen caps string length (0 = unlimited)
	MaxLen int

	// Enum restricts a string field to a fixed value set
	Enum []string

	// MaxDepth caps object nesting (0 = unlimited)
	MaxDepth int
}

// Schema is the declarative validation rule set for one event kind
type Schema struct {
	// Event is the event name the schema applies to
	Event string

	// Fields are the validated fields; unknown payload fields pass through
	Fields []Field
}

// Validator validates event payloads against registered schemas
type Validator struct {
	schemas map[string]Schema
}

// New creates a validator with the standard event schemas registered
func New() *Validator {
	v := &Validator{schemas: make(map[string]Schema)}
	for _, s := range defaultSchemas() {
		v.Register(s)
	}
	return v
}

// Register adds or replaces a schema
func (v *Validator) Register(s Schema) {
	v.schemas[s.Event] = s
}

// Has reports whether a schema exists for the event
func (v *Validator) Has(event string) bool {
	_, ok := v.schemas[event]
	return ok
}

// Validate checks a payload against the event's schema. Unknown payload
// fields are tolerated; unknown event kinds and missing or mistyped fields
// are rejected with a VALIDATION_ERROR.
func (v *Validator) Validate(event string, payload map[string]interface{}) error {
	schema, ok := v.schemas[event]
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("no schema for event: %s", event))
	}

	for _, field := range schema.Fields {
		value, present := payload[field.Name]
		if !present || value == nil {
			if field.Required {
				return errors.NewValidationError(
					fmt.Sprintf("missing required field: %s", field.Name),
				).WithDetails(map[string]string{"field": field.Name})
			}
			continue
		}

		if err := checkField(field, value); err != nil {
			return err
		}
	}

	return nil
}

func checkField(field Field, value interface{}) error {
	switch field.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return typeError(field, "string")
		}
		if field.MaxLen > 0 && len(s) > field.MaxLen {
			return errors.NewValidationError(
				fmt.Sprintf("field %s exceeds max length %d", field.Name, field.MaxLen),
			).WithDetails(map[string]interface{}{"field": field.Name, "maxLen": field.MaxLen})
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			return errors.NewValidationError(
				fmt.Sprintf("field %s has invalid value: %s", field.Name, s),
			).WithDetails(map[string]interface{}{"field": field.Name, "allowed": field.Enum})
		}

	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return typeError(field, "number")
		}

	case TypeBool:
		if _, ok := value.(bool); !ok {
			return typeError(field, "bool")
		}

	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return typeError(field, "object")
		}
		if field.MaxDepth > 0 && depthOf(obj) > field.MaxDepth {
			return errors.NewValidationError(
				fmt.Sprintf("field %s nests deeper than %d", field.Name, field.MaxDepth),
			).WithDetails(map[string]interface{}{"field": field.Name, "maxDepth": field.MaxDepth})
		}

	case TypeArray:
		if _, ok := value.([]interface{}); !ok {
			return typeError(field, "array")
		}

	default:
		return errors.NewValidationError(fmt.Sprintf("unknown field type: %s", field.Type))
	}

	return nil
}

func typeError(field Field, want string) error {
	return errors.NewValidationError(
		fmt.Sprintf("field %s must be a %s", field.Name, want),
	).WithDetails(map[string]string{"field": field.Name, "expected": want})
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// depthOf measures object nesting: a flat map is depth 1
func depthOf(value interface{}) int {
	switch typed := value.(type) {
	case map[string]interface{}:
		max := 0
		for _, child := range typed {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, child := range typed {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max
	default:
		return 0
	}
}
