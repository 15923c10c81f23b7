// Package catalog implements the Command Catalog from spec.md §3/§4.3: a
// recursive tagged-union schema type, a base/vendor merge that only allows
// vendor trees to tighten constraints, and structural validation of command
// instances against the merged result.
//
// Grounded directly on internal/catalog/catalog.go's thread-safe
// sync.RWMutex-guarded map-of-definitions (Register/Lookup/ListAll),
// re-themed from model capabilities to command definitions. The
// constraint-accumulation style of Validate follows
// internal/resolver.Resolver.Resolve: collect every violation into a
// []string rather than failing fast on the first one.
package catalog

import "github.com/applianced/applianced/pkg/models"

// SchemaType is the recursive tagged union spec.md §3 describes.
type SchemaType string

const (
	TypeInteger SchemaType = "integer"
	TypeNumber  SchemaType = "number"
	TypeString  SchemaType = "string"
	TypeBoolean SchemaType = "boolean"
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
)

// Schema is one node of the recursive parameter/progress/results schema.
// Only the constraint fields relevant to Type are meaningful; the zero
// value of an unused constraint means "unconstrained".
type Schema struct {
	Type SchemaType

	// Numeric constraints (integer, number).
	Minimum *float64
	Maximum *float64

	// String constraints.
	MinLength *int
	MaxLength *int
	Pattern   string

	// Shared by string/integer/number: restrict to a fixed value set.
	Enum []any

	// Object constraints: named child schemas. A property not present here
	// is not part of the schema at all (unknown parameters are rejected by
	// Validate, not silently accepted).
	Properties map[string]*Schema
	Required   []string

	// Array constraints: every element must satisfy Item.
	Item *Schema
}

// Clone deep-copies s so merges never alias the base tree.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Minimum != nil {
		v := *s.Minimum
		out.Minimum = &v
	}
	if s.Maximum != nil {
		v := *s.Maximum
		out.Maximum = &v
	}
	if s.MinLength != nil {
		v := *s.MinLength
		out.MinLength = &v
	}
	if s.MaxLength != nil {
		v := *s.MaxLength
		out.MaxLength = &v
	}
	out.Enum = append([]any(nil), s.Enum...)
	out.Required = append([]string(nil), s.Required...)
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.Clone()
		}
	}
	out.Item = s.Item.Clone()
	return &out
}

// Definition is one entry of the catalog: "component.name" -> schemas plus
// the minimum role allowed to invoke it.
type Definition struct {
	Parameters  *Schema
	Progress    *Schema
	Results     *Schema
	MinimalRole models.Role
}

// Clone deep-copies a Definition.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	return &Definition{
		Parameters:  d.Parameters.Clone(),
		Progress:    d.Progress.Clone(),
		Results:     d.Results.Clone(),
		MinimalRole: d.MinimalRole,
	}
}

// roleRank mirrors models.Role's order for the "minimalRole may only
// tighten" merge rule.
var roleRank = map[models.Role]int{
	models.RoleNone:    0,
	models.RoleViewer:  1,
	models.RoleUser:    2,
	models.RoleManager: 3,
	models.RoleOwner:   4,
}
