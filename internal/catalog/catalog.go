package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/applianced/applianced/pkg/contracts"
)

// Catalog holds the merged base+vendor command-definition tree and
// validates command instances against it. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	base   map[string]*Definition
	merged map[string]*Definition
}

// New returns an empty Catalog. Call LoadBase before LoadVendor.
func New() *Catalog {
	return &Catalog{base: map[string]*Definition{}, merged: map[string]*Definition{}}
}

// LoadBase replaces the base tree. Every leaf must have a Parameters schema
// and a MinimalRole (spec.md §4.3).
func (c *Catalog) LoadBase(tree map[string]*Definition) error {
	for name, def := range tree {
		if def.Parameters == nil {
			return contracts.NewError(contracts.DomainBuffet, "invalid_base_definition", fmt.Sprintf("%s: missing parameters schema", name))
		}
		if def.MinimalRole == "" {
			return contracts.NewError(contracts.DomainBuffet, "invalid_base_definition", fmt.Sprintf("%s: missing minimalRole", name))
		}
	}

	cloned := make(map[string]*Definition, len(tree))
	for name, def := range tree {
		cloned[name] = def.Clone()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = cloned
	c.merged = cloneDefs(cloned)
	return nil
}

// LoadVendor merges vendor atop the current base (spec.md §4.3). Names
// prefixed with "_" are vendor-private and may define anything; all other
// names must already exist in base and may only tighten: numeric bounds
// narrow, string length bounds narrow, enum is a subset, and minimalRole
// only rises in the viewer<user<manager<owner lattice.
func (c *Catalog) LoadVendor(tree map[string]*Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := cloneDefs(c.base)
	for name, vendorDef := range tree {
		if strings.HasPrefix(name, "_") {
			next[name] = vendorDef.Clone()
			continue
		}

		baseDef, ok := c.base[name]
		if !ok {
			return contracts.NewError(contracts.DomainBuffet, "vendor_unknown_component", fmt.Sprintf("%s: not present in base catalog", name))
		}
		if vendorDef.MinimalRole != "" && roleRank[vendorDef.MinimalRole] < roleRank[baseDef.MinimalRole] {
			return contracts.NewError(contracts.DomainBuffet, "vendor_loosens_role", fmt.Sprintf("%s: minimalRole may only rise", name))
		}

		merged := baseDef.Clone()
		if vendorDef.Parameters != nil {
			tightened, err := overrideTighten(baseDef.Parameters, vendorDef.Parameters, name+".parameters")
			if err != nil {
				return err
			}
			merged.Parameters = tightened
		}
		if vendorDef.Progress != nil {
			tightened, err := overrideTighten(baseDef.Progress, vendorDef.Progress, name+".progress")
			if err != nil {
				return err
			}
			merged.Progress = tightened
		}
		if vendorDef.Results != nil {
			tightened, err := overrideTighten(baseDef.Results, vendorDef.Results, name+".results")
			if err != nil {
				return err
			}
			merged.Results = tightened
		}
		if vendorDef.MinimalRole != "" {
			merged.MinimalRole = vendorDef.MinimalRole
		}
		next[name] = merged
	}

	c.merged = next
	return nil
}

// Lookup returns the merged definition for name, or ok=false.
func (c *Catalog) Lookup(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.merged[name]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// GetDefinitions exports the merged catalog for the registration payload
// and the Privet /commandDefs response (spec.md §4.3).
func (c *Catalog) GetDefinitions() map[string]*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneDefs(c.merged)
}

func cloneDefs(in map[string]*Definition) map[string]*Definition {
	out := make(map[string]*Definition, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// overrideTighten deep-overrides base with vendor's keys, verifying every
// overridden leaf is a legal tightening. base may be nil only if this is a
// vendor-private definition, which never calls this path.
func overrideTighten(base, vendor *Schema, path string) (*Schema, error) {
	if base == nil {
		return nil, contracts.NewError(contracts.DomainBuffet, "vendor_no_base_schema", path+": no base schema to override")
	}
	if vendor.Type != "" && vendor.Type != base.Type {
		return nil, contracts.NewError(contracts.DomainBuffet, "vendor_type_mismatch", path+": vendor type must match base type")
	}

	merged := base.Clone()

	if vendor.Minimum != nil {
		if base.Minimum != nil && *vendor.Minimum < *base.Minimum {
			return nil, contracts.NewError(contracts.DomainBuffet, "vendor_loosens_constraint", path+": minimum may only narrow upward")
		}
		merged.Minimum = vendor.Minimum
	}
	if vendor.Maximum != nil {
		if base.Maximum != nil && *vendor.Maximum > *base.Maximum {
			return nil, contracts.NewError(contracts.DomainBuffet, "vendor_loosens_constraint", path+": maximum may only narrow downward")
		}
		merged.Maximum = vendor.Maximum
	}
	if vendor.MinLength != nil {
		if base.MinLength != nil && *vendor.MinLength < *base.MinLength {
			return nil, contracts.NewError(contracts.DomainBuffet, "vendor_loosens_constraint", path+": minLength may only narrow upward")
		}
		merged.MinLength = vendor.MinLength
	}
	if vendor.MaxLength != nil {
		if base.MaxLength != nil && *vendor.MaxLength > *base.MaxLength {
			return nil, contracts.NewError(contracts.DomainBuffet, "vendor_loosens_constraint", path+": maxLength may only narrow downward")
		}
		merged.MaxLength = vendor.MaxLength
	}
	if len(vendor.Enum) > 0 {
		if len(base.Enum) > 0 && !isSubset(vendor.Enum, base.Enum) {
			return nil, contracts.NewError(contracts.DomainBuffet, "vendor_loosens_constraint", path+": enum may only narrow to a subset")
		}
		merged.Enum = vendor.Enum
	}
	if vendor.Pattern != "" {
		merged.Pattern = vendor.Pattern
	}

	if vendor.Properties != nil {
		if merged.Properties == nil {
			merged.Properties = map[string]*Schema{}
		}
		for name, vendorProp := range vendor.Properties {
			baseProp := base.Properties[name]
			if baseProp == nil {
				merged.Properties[name] = vendorProp.Clone()
				continue
			}
			tightened, err := overrideTighten(baseProp, vendorProp, path+"."+name)
			if err != nil {
				return nil, err
			}
			merged.Properties[name] = tightened
		}
	}
	if vendor.Item != nil {
		if base.Item != nil {
			tightened, err := overrideTighten(base.Item, vendor.Item, path+"[]")
			if err != nil {
				return nil, err
			}
			merged.Item = tightened
		} else {
			merged.Item = vendor.Item.Clone()
		}
	}

	return merged, nil
}

func isSubset(candidate, superset []any) bool {
	allowed := make(map[any]bool, len(superset))
	for _, v := range superset {
		allowed[v] = true
	}
	for _, v := range candidate {
		if !allowed[v] {
			return false
		}
	}
	return true
}
