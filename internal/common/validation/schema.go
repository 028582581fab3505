package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a JSON Schema document in Go map form.
type Schema map[string]interface{}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Messages flattens the result errors into "field: message" strings.
func (r *ValidationResult) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return out
}

// Validate checks a document against a schema.
func Validate(schema Schema, document interface{}) (*ValidationResult, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(schema)), gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return out, nil
}

// ==========================
// Schema builders
// ==========================

// Object builds an object schema; extra keys are always allowed.
func Object(properties map[string]Schema, required ...string) Schema {
	props := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		props[k] = map[string]interface{}(v)
	}
	s := Schema{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func String(description string) Schema {
	return Schema{"type": "string", "description": description}
}

func Number(description string) Schema {
	return Schema{"type": "number", "description": description}
}

func Integer(description string) Schema {
	return Schema{"type": "integer", "description": description}
}

func Boolean(description string) Schema {
	return Schema{"type": "boolean", "description": description}
}

func Array(items Schema, description string) Schema {
	return Schema{"type": "array", "items": map[string]interface{}(items), "description": description}
}

// Enum builds a string schema restricted to the given values.
func Enum(description string, values ...string) Schema {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Schema{"type": "string", "enum": vals, "description": description}
}

// Any accepts any JSON value; used for sections whose shape varies by model.
func Any(description string) Schema {
	return Schema{"description": description}
}

// Nullable allows null in addition to the schema's own type.
func Nullable(s Schema) Schema {
	out := Schema{}
	for k, v := range s {
		out[k] = v
	}
	if t, ok := s["type"].(string); ok {
		out["type"] = []interface{}{t, "null"}
	}
	if enum, ok := s["enum"].([]interface{}); ok {
		out["enum"] = append(append([]interface{}{}, enum...), nil)
	}
	return out
}

// Describe renders the schema as the compact shape hint placed in prompts.
func Describe(s Schema) string {
	data, _ := json.MarshalIndent(shape(s), "", "  ")
	return string(data)
}

func shape(s map[string]interface{}) interface{} {
	switch typeName(s) {
	case "object":
		props, _ := s["properties"].(map[string]interface{})
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(props))
		for _, k := range keys {
			if child, ok := props[k].(map[string]interface{}); ok {
				out[k] = shape(child)
			}
		}
		return out
	case "array":
		if items, ok := s["items"].(map[string]interface{}); ok {
			return []interface{}{shape(items)}
		}
		return []interface{}{}
	default:
		hint := typeName(s)
		if hint == "" {
			hint = "any"
		}
		if enum, ok := s["enum"].([]interface{}); ok && len(enum) > 0 {
			parts := make([]string, 0, len(enum))
			for _, e := range enum {
				if e != nil {
					parts = append(parts, fmt.Sprint(e))
				}
			}
			hint = strings.Join(parts, "|")
		}
		if d, ok := s["description"].(string); ok && d != "" {
			hint += " - " + d
		}
		return hint
	}
}

func typeName(s map[string]interface{}) string {
	switch t := s["type"].(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			if name, ok := t[0].(string); ok {
				return name
			}
		}
	}
	return ""
}
