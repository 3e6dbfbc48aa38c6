// Package reconcile computes identifier remappings that make two atlases
// agree on a common set of region ids.
//
// Reconciliation never touches voxels. It works on the unique ids of each
// atlas, runs an ordered pipeline of declarative rule stages over working
// id→id tables, then collapses the remaining disagreement onto shared
// ancestors in a convergence loop. The resulting tables are applied to the
// full volumes with package remap.
package reconcile

import (
	"slices"

	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/remap"
)

// DefaultSentinels are never collapsed by the convergence loop: "root"
// (everything/undefined) and "Basic cell groups and regions" (whole brain).
var DefaultSentinels = []uint32{8, 997}

// Options tunes a Reconciler.
type Options struct {
	// Sentinels are protected from the convergence loop. Background is
	// always protected.
	Sentinels []uint32

	// MaxIterations caps each convergence pass; zero derives a cap from
	// the size of the id sets and the hierarchy depth.
	MaxIterations int

	// ExtraOverrides are appended to the overrides of the stage with the
	// matching name.
	ExtraOverrides map[string][]Override
}

// Change records a single effective substitution in a working table.
type Change struct {
	Stage string `yaml:"stage"`
	Rule  string `yaml:"rule,omitempty"`
	Side  string `yaml:"side"`
	From  uint32 `yaml:"from"`
	To    uint32 `yaml:"to"`
}

// Pass summarises one convergence direction.
type Pass struct {
	Direction  string `yaml:"direction"`
	Iterations int    `yaml:"iterations"`
}

// Result holds the remap tables for both atlases.
type Result struct {
	A       remap.Table
	B       remap.Table
	Passes  []Pass
	Changes []Change
}

// Iterations returns the total number of convergence iterations.
func (r *Result) Iterations() int {
	n := 0
	for _, p := range r.Passes {
		n += p.Iterations
	}
	return n
}

// Closures holds the ancestor closure of each atlas' ids.
type Closures [2]hierarchy.IDSet

// ComputeClosures returns the ancestor closures (background excluded) of
// the given unique id sets.
func ComputeClosures(h *hierarchy.Hierarchy, uniqueA, uniqueB []uint32) Closures {
	return Closures{h.Ancestors(uniqueA, false), h.Ancestors(uniqueB, false)}
}

// Reconciler runs rule sets against a shared hierarchy. It holds no
// per-run state and may be used concurrently.
type Reconciler struct {
	h         *hierarchy.Hierarchy
	sentinels hierarchy.IDSet
	maxIter   int
	extra     map[string][]Override
}

// New creates a Reconciler.
func New(h *hierarchy.Hierarchy, opts Options) *Reconciler {
	sentinels := opts.Sentinels
	if sentinels == nil {
		sentinels = DefaultSentinels
	}
	s := hierarchy.NewIDSet(sentinels...)
	s.Add(hierarchy.BackgroundID)
	return &Reconciler{h: h, sentinels: s, maxIter: opts.MaxIterations, extra: opts.ExtraOverrides}
}

// Hierarchy returns the shared hierarchy.
func (r *Reconciler) Hierarchy() *hierarchy.Hierarchy {
	return r.h
}

// Context is the mutable state of one reconciliation run, handed to rule
// predicates and actions.
type Context struct {
	H *hierarchy.Hierarchy

	from    [2][]uint32
	to      [2][]uint32
	initial [2]hierarchy.IDSet
	allowed [2]hierarchy.IDSet

	stage   string
	rule    string
	changes []Change
}

func newContext(h *hierarchy.Hierarchy, uniqueA, uniqueB []uint32) *Context {
	c := &Context{H: h}
	for s, ids := range [2][]uint32{uniqueA, uniqueB} {
		from := slices.Clone(ids)
		slices.Sort(from)
		from = slices.Compact(from)
		c.from[s] = from
		c.to[s] = slices.Clone(from)
		c.initial[s] = hierarchy.NewIDSet(from...)
	}
	return c
}

// Initial returns the ids of side as they were before the pipeline ran.
// Rule predicates test membership against these snapshots.
func (c *Context) Initial(side Side) hierarchy.IDSet {
	return c.initial[side]
}

// Current returns the distinct values of side's working table.
func (c *Context) Current(side Side) hierarchy.IDSet {
	return hierarchy.NewIDSet(c.to[side]...)
}

// Allowed returns the ancestor closure of side, or an empty set when none
// has been established yet.
func (c *Context) Allowed(side Side) hierarchy.IDSet {
	if c.allowed[side] == nil {
		return hierarchy.IDSet{}
	}
	return c.allowed[side]
}

// Replace rewrites every working-table entry of side equal to old into new.
// It reports whether anything changed.
func (c *Context) Replace(side Side, old, new uint32) bool {
	if old == new {
		return false
	}
	changed := false
	for i, v := range c.to[side] {
		if v == old {
			c.to[side][i] = new
			changed = true
		}
	}
	if changed {
		c.changes = append(c.changes, Change{
			Stage: c.stage,
			Rule:  c.rule,
			Side:  side.String(),
			From:  old,
			To:    new,
		})
	}
	return changed
}

func (c *Context) runStage(st Stage, extra []Override) {
	c.stage, c.rule = st.Name, ""
	for _, o := range st.Overrides {
		c.Replace(o.Side, o.From, o.To)
	}
	for _, o := range extra {
		c.Replace(o.Side, o.From, o.To)
	}
	if st.Candidates == nil {
		return
	}
	for _, id := range st.Candidates(c) {
		for _, rule := range st.Rules {
			if !rule.When(c, id) {
				continue
			}
			c.rule = rule.Name
			rule.Then(c, id)
			c.rule = ""
			if st.FirstMatch {
				break
			}
		}
	}
}

func (c *Context) result() *Result {
	return &Result{
		A:       remap.Table{From: c.from[A], To: c.to[A]},
		B:       remap.Table{From: c.from[B], To: c.to[B]},
		Changes: c.changes,
	}
}

// Run executes rs on the unique ids of both atlases. When allowed is nil
// the closures used by the convergence loop are computed from the working
// tables once all stages have run.
func (r *Reconciler) Run(rs RuleSet, uniqueA, uniqueB []uint32, allowed *Closures) (*Result, error) {
	log := logging.With().Str("rules", rs.Name).Logger()
	log.Info().Int("ids_a", len(uniqueA)).Int("ids_b", len(uniqueB)).Msg("Preparing region ID maps")

	c := newContext(r.h, uniqueA, uniqueB)
	if allowed != nil {
		c.allowed = *allowed
	}

	for i, st := range rs.Stages {
		before := len(c.changes)
		c.runStage(st, r.extra[st.Name])
		log.Info().
			Int("stage", i+1).
			Str("name", st.Name).
			Int("changes", len(c.changes)-before).
			Msg("Stage complete")
	}

	if len(rs.Converge) == 0 {
		return c.result(), nil
	}
	if allowed == nil {
		c.allowed = Closures{
			r.h.Ancestors(c.Current(A).Sorted(), false),
			r.h.Ancestors(c.Current(B).Sorted(), false),
		}
	}

	var passes []Pass
	for _, d := range rs.Converge {
		c.stage = "converge " + d.String()
		n, err := r.converge(c, d)
		if err != nil {
			return nil, err
		}
		passes = append(passes, Pass{Direction: d.String(), Iterations: n})
		log.Info().Str("direction", d.String()).Int("iterations", n).Msg("Convergence pass complete")
	}

	res := c.result()
	res.Passes = passes
	return res, nil
}
