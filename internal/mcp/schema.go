package mcp

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// ValidateSchema checks a decoded JSON value against a JSON Schema subset:
// type, required, properties, items, enum, minimum/maximum, minLength, and
// additionalProperties:false. This covers every schema the tool catalog
// declares; validation failures keep the handler from ever running.
func ValidateSchema(schema map[string]any, value any) []string {
	var problems []string
	validateNode(schema, value, "$", &problems)
	return problems
}

func validateNode(schema map[string]any, value any, path string, problems *[]string) {
	if typ, ok := schema["type"].(string); ok {
		if !checkType(typ, value) {
			*problems = append(*problems, fmt.Sprintf("%s: expected %s", path, typ))
			return
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		if !slices.ContainsFunc(enum, func(e any) bool { return e == value }) {
			*problems = append(*problems, fmt.Sprintf("%s: value not in enum", path))
			return
		}
	}

	switch v := value.(type) {
	case map[string]any:
		props, _ := schema["properties"].(map[string]any)

		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := v[name]; !present {
					*problems = append(*problems, fmt.Sprintf("%s: missing required property %q", path, name))
				}
			}
		}

		for name, val := range v {
			propSchema, known := props[name]
			if !known {
				if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
					*problems = append(*problems, fmt.Sprintf("%s: unexpected property %q", path, name))
				}
				continue
			}
			if ps, ok := propSchema.(map[string]any); ok {
				validateNode(ps, val, path+"."+name, problems)
			}
		}

	case []any:
		if items, ok := schema["items"].(map[string]any); ok {
			for i, item := range v {
				validateNode(items, item, fmt.Sprintf("%s[%d]", path, i), problems)
			}
		}

	case string:
		if min, ok := numeric(schema["minLength"]); ok && float64(len(v)) < min {
			*problems = append(*problems, fmt.Sprintf("%s: shorter than %d", path, int(min)))
		}

	case float64:
		if min, ok := numeric(schema["minimum"]); ok && v < min {
			*problems = append(*problems, fmt.Sprintf("%s: below minimum %v", path, min))
		}
		if max, ok := numeric(schema["maximum"]); ok && v > max {
			*problems = append(*problems, fmt.Sprintf("%s: above maximum %v", path, max))
		}
	}
}

func checkType(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// SchemaSummary renders validation problems as a single message line.
func SchemaSummary(problems []string) string {
	return strings.Join(problems, "; ")
}
