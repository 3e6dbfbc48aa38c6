package reconcile

import (
	"regexp"

	"atlasmerge/pkg/hierarchy"
)

// Side selects one of the two atlases being reconciled.
type Side int

const (
	// A is the first atlas (CCFv2 in the default rule set).
	A Side = iota
	// B is the second atlas (CCFv3 in the default rule set).
	B
)

// Other returns the opposite side.
func (s Side) Other() Side {
	return 1 - s
}

func (s Side) String() string {
	if s == A {
		return "A"
	}
	return "B"
}

// Predicate tests a candidate id.
type Predicate func(c *Context, id uint32) bool

// Action rewrites working tables for a candidate id.
type Action func(c *Context, id uint32)

// Rule is one (predicate, action) pair.
type Rule struct {
	Name string
	When Predicate
	Then Action
}

// Override is a fixed id substitution on one atlas.
type Override struct {
	Side Side   `yaml:"side"`
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

// Stage is one step of the set-level pipeline. Either Overrides are applied
// in order, or Rules are evaluated against every id produced by Candidates.
// With FirstMatch only the first matching rule fires for a candidate.
type Stage struct {
	Name       string
	Overrides  []Override
	Candidates func(c *Context) []uint32
	Rules      []Rule
	FirstMatch bool
}

// Direction is one pass of the convergence loop: ids present only in
// Source are collapsed onto ancestors known to Target.
type Direction struct {
	Source Side
	Target Side
}

func (d Direction) String() string {
	return d.Source.String() + " toward " + d.Target.String()
}

// RuleSet is a complete reconciliation recipe.
type RuleSet struct {
	Name     string
	Stages   []Stage
	Converge []Direction
}

// --- candidate sets ---

// OnlyIn yields the ids of side absent from the other side.
func OnlyIn(side Side) func(c *Context) []uint32 {
	return func(c *Context) []uint32 {
		return c.Initial(side).Difference(c.Initial(side.Other())).Sorted()
	}
}

// AllIDs yields the union of both sides without background.
func AllIDs(c *Context) []uint32 {
	u := c.Initial(A).Union(c.Initial(B))
	u.Remove(hierarchy.BackgroundID)
	return u.Sorted()
}

// IDsOf yields the ids of side without background.
func IDsOf(side Side) func(c *Context) []uint32 {
	return func(c *Context) []uint32 {
		u := c.Initial(side).Clone()
		u.Remove(hierarchy.BackgroundID)
		return u.Sorted()
	}
}

// CurrentIDsOf yields the ids currently present in side's working table,
// without background.
func CurrentIDsOf(side Side) func(c *Context) []uint32 {
	return func(c *Context) []uint32 {
		u := c.Current(side)
		u.Remove(hierarchy.BackgroundID)
		return u.Sorted()
	}
}

// FilteredDescendantsOf yields the filtered descendants of root using the
// allowed closure of side.
func FilteredDescendantsOf(root uint32, side Side) func(c *Context) []uint32 {
	return func(c *Context) []uint32 {
		return c.H.FilteredDescendants(root, c.Allowed(side)).Sorted()
	}
}

// --- predicates ---

// IsLeaf matches leaf regions.
func IsLeaf(c *Context, id uint32) bool {
	return c.H.IsLeaf(id)
}

// In matches ids present in side's initial set.
func In(side Side) Predicate {
	return func(c *Context, id uint32) bool {
		return c.Initial(side).Has(id)
	}
}

// AllowedIn matches ids in side's ancestor closure.
func AllowedIn(side Side) Predicate {
	return func(c *Context, id uint32) bool {
		return c.Allowed(side).Has(id)
	}
}

// ParentIn matches ids whose parent is present in side's initial set.
func ParentIn(side Side) Predicate {
	return func(c *Context, id uint32) bool {
		p, ok := c.H.Parent(id)
		return ok && c.Initial(side).Has(p)
	}
}

// InRegion matches ids lying under a region whose name matches pattern.
func InRegion(pattern string) Predicate {
	re := regexp.MustCompile(pattern)
	return func(c *Context, id uint32) bool {
		return c.H.InRegionMatching(re, id)
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(c *Context, id uint32) bool {
		return !p(c, id)
	}
}

// All matches when every predicate matches.
func All(ps ...Predicate) Predicate {
	return func(c *Context, id uint32) bool {
		for _, p := range ps {
			if !p(c, id) {
				return false
			}
		}
		return true
	}
}

// AnyOf matches when some predicate matches.
func AnyOf(ps ...Predicate) Predicate {
	return func(c *Context, id uint32) bool {
		for _, p := range ps {
			if p(c, id) {
				return true
			}
		}
		return false
	}
}

// Always matches everything.
func Always(*Context, uint32) bool { return true }

// --- actions ---

// ToParent replaces id by its parent on side.
func ToParent(side Side) Action {
	return func(c *Context, id uint32) {
		if p, ok := c.H.Parent(id); ok {
			c.Replace(side, id, p)
		}
	}
}

// ToGrandparent replaces id by its grandparent on side.
func ToGrandparent(side Side) Action {
	return func(c *Context, id uint32) {
		p, ok := c.H.Parent(id)
		if !ok {
			return
		}
		if gp, ok := c.H.Parent(p); ok {
			c.Replace(side, id, gp)
		}
	}
}

// ToID replaces id by target on each listed side.
func ToID(target uint32, sides ...Side) Action {
	return func(c *Context, id uint32) {
		for _, s := range sides {
			c.Replace(s, id, target)
		}
	}
}

// ToIDWhereAllowed replaces id by target on each side whose closure
// contains id.
func ToIDWhereAllowed(target uint32) Action {
	return func(c *Context, id uint32) {
		for _, s := range []Side{A, B} {
			if c.Allowed(s).Has(id) {
				c.Replace(s, id, target)
			}
		}
	}
}
