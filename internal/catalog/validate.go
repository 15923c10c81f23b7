package catalog

import (
	"fmt"
	"strings"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// ValidationResult accumulates every violation found, following the
// resolver-style "collect, don't fail fast" convention of
// internal/resolver.Resolver.Resolve.
type ValidationResult struct {
	Violations []string
}

// OK reports whether no violations were recorded.
func (r *ValidationResult) OK() bool { return len(r.Violations) == 0 }

func (r *ValidationResult) add(path, msg string) {
	r.Violations = append(r.Violations, fmt.Sprintf("%s: %s", path, msg))
}

// Validate checks a command invocation against the merged catalog: the
// component must exist, the caller's role must meet minimalRole, and
// parameters must satisfy the parameter schema exactly (unknown parameters
// are rejected, not ignored).
func (c *Catalog) Validate(component string, callerRole models.Role, parameters map[string]any) (*ValidationResult, error) {
	def, ok := c.Lookup(component)
	if !ok {
		return nil, contracts.NewError(contracts.DomainBuffet, "unknown_component", component)
	}
	if !callerRole.AtLeast(def.MinimalRole) {
		return nil, contracts.NewError(contracts.DomainPrivet, "insufficientRole", fmt.Sprintf("%s requires role >= %s", component, def.MinimalRole))
	}

	result := &ValidationResult{}
	validateValue(def.Parameters, toAny(parameters), "parameters", result)
	return result, nil
}

func toAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// validateValue is total over the recursive tagged value representation
// (spec.md §9): every schema type and every Go JSON-decoded value shape is
// handled explicitly.
func validateValue(schema *Schema, value any, path string, result *ValidationResult) {
	if schema == nil {
		result.add(path, "no schema defined")
		return
	}

	switch schema.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			result.add(path, "expected object")
			return
		}
		for _, req := range schema.Required {
			if _, present := obj[req]; !present {
				result.add(path+"."+req, "required property missing")
			}
		}
		for key, val := range obj {
			propSchema, known := schema.Properties[key]
			if !known {
				result.add(path+"."+key, "unknown property")
				continue
			}
			validateValue(propSchema, val, path+"."+key, result)
		}

	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			result.add(path, "expected array")
			return
		}
		for i, item := range arr {
			validateValue(schema.Item, item, fmt.Sprintf("%s[%d]", path, i), result)
		}

	case TypeString:
		s, ok := value.(string)
		if !ok {
			result.add(path, "expected string")
			return
		}
		if schema.MinLength != nil && len(s) < *schema.MinLength {
			result.add(path, "below minLength")
		}
		if schema.MaxLength != nil && len(s) > *schema.MaxLength {
			result.add(path, "above maxLength")
		}
		if len(schema.Enum) > 0 && !containsAny(schema.Enum, s) {
			result.add(path, "not in enum")
		}

	case TypeInteger, TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			result.add(path, "expected number")
			return
		}
		if schema.Type == TypeInteger && n != float64(int64(n)) {
			result.add(path, "expected integer")
		}
		if schema.Minimum != nil && n < *schema.Minimum {
			result.add(path, "below minimum")
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			result.add(path, "above maximum")
		}
		if len(schema.Enum) > 0 && !containsAny(schema.Enum, n) {
			result.add(path, "not in enum")
		}

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			result.add(path, "expected boolean")
		}

	default:
		result.add(path, "schema has unknown type "+string(schema.Type))
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func containsAny(set []any, v any) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

// CanonicalError joins every violation into the stable, deterministic error
// message spec.md §8's round-trip property expects for invalid instances.
func (r *ValidationResult) CanonicalError() string {
	return strings.Join(r.Violations, "; ")
}
