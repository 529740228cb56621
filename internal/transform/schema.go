package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// ParamKind is the declared type of a transform parameter.
type ParamKind string

const (
	ParamInt    ParamKind = "int"
	ParamFloat  ParamKind = "float"
	ParamString ParamKind = "string"
	ParamEnum   ParamKind = "enum"
)

// Param declares a single parameter accepted by a transform.
type Param struct {
	Name     string    `json:"name"`
	Kind     ParamKind `json:"kind"`
	Required bool      `json:"required"`
	Min      float64   `json:"min,omitempty"`
	Max      float64   `json:"max,omitempty"`
	HasRange bool      `json:"-"`
	Values   []string  `json:"values,omitempty"` // allowed values for enum params
}

// Schema is the full parameter declaration of a transform.
type Schema []Param

// ValidationError reports parameters that failed schema validation,
// carrying the offending field names.
type ValidationError struct {
	Operation string
	Fields    []string
	reasons   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %q: %s", e.Operation, strings.Join(e.reasons, "; "))
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, field)
	e.reasons = append(e.reasons, fmt.Sprintf("%s: %s", field, reason))
}

// Validate checks params against the schema. Unknown keys are rejected,
// required keys must be present, and values must parse into the declared
// kind and fall within the declared range.
func (s Schema) Validate(operation string, params map[string]string) error {
	verr := &ValidationError{Operation: operation}

	declared := make(map[string]Param, len(s))
	for _, p := range s {
		declared[p.Name] = p
	}

	for name := range params {
		if _, ok := declared[name]; !ok {
			verr.add(name, "unknown parameter")
		}
	}

	for _, p := range s {
		raw, ok := params[p.Name]
		if !ok {
			if p.Required {
				verr.add(p.Name, "required parameter missing")
			}
			continue
		}

		switch p.Kind {
		case ParamInt:
			v, err := strconv.Atoi(raw)
			if err != nil {
				verr.add(p.Name, "must be an integer")
				continue
			}
			if p.HasRange && (float64(v) < p.Min || float64(v) > p.Max) {
				verr.add(p.Name, fmt.Sprintf("must be between %g and %g", p.Min, p.Max))
			}
		case ParamFloat:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				verr.add(p.Name, "must be a number")
				continue
			}
			if p.HasRange && (v < p.Min || v > p.Max) {
				verr.add(p.Name, fmt.Sprintf("must be between %g and %g", p.Min, p.Max))
			}
		case ParamEnum:
			found := false
			for _, allowed := range p.Values {
				if raw == allowed {
					found = true
					break
				}
			}
			if !found {
				verr.add(p.Name, fmt.Sprintf("must be one of: %s", strings.Join(p.Values, ", ")))
			}
		case ParamString:
			// Any value is fine.
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}

	return nil
}
