// Package hierarchy holds the region ontology shared by every reconciliation
// step: an immutable single-rooted tree of anatomical regions hanging off a
// synthetic background node.
//
// A Hierarchy is built once and never mutated, so it can be shared by any
// number of goroutines without locking. Lookups of unknown region ids never
// fail hard: they log a warning and return an empty or neutral result, since
// atlases routinely reference ids that a given ontology snapshot lacks.
package hierarchy

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"atlasmerge/pkg/logging"
)

// BackgroundID is the id of the synthetic node every root hangs off.
const BackgroundID uint32 = 0

// Node is a single region of the ontology.
type Node struct {
	ID      uint32
	Name    string
	Acronym string

	// Color is a six character RGB hex triplet
	Color string

	// ParentID is meaningless for the background node
	ParentID uint32

	// Children are kept in ontology order
	Children []uint32

	// Depth is the distance from the background node
	Depth int

	// Metadata carried through from the AIBS structure graph
	AtlasID      *int64
	OntologyID   *int64
	GraphOrder   *int64
	StLevel      *int64
	HemisphereID *int64
}

// Hierarchy is the immutable region tree.
type Hierarchy struct {
	nodes  map[uint32]*Node
	rootID uint32
	depth  int

	// parent -> child edges, used for downward traversals
	graph *simple.DirectedGraph
}

func newHierarchy() *Hierarchy {
	h := &Hierarchy{
		nodes: make(map[uint32]*Node),
		graph: simple.NewDirectedGraph(),
	}
	h.nodes[BackgroundID] = &Node{
		ID:      BackgroundID,
		Name:    "background",
		Acronym: "bg",
		Color:   "000000",
	}
	h.graph.AddNode(simple.Node(int64(BackgroundID)))
	return h
}

func (h *Hierarchy) attach(n *Node) error {
	if _, dup := h.nodes[n.ID]; dup {
		return fmt.Errorf("duplicate region id %d", n.ID)
	}
	parent, ok := h.nodes[n.ParentID]
	if !ok {
		return fmt.Errorf("region %d references unknown parent %d", n.ID, n.ParentID)
	}
	n.Depth = parent.Depth + 1
	if n.Depth > h.depth {
		h.depth = n.Depth
	}
	parent.Children = append(parent.Children, n.ID)
	h.nodes[n.ID] = n
	h.graph.AddNode(simple.Node(int64(n.ID)))
	h.graph.SetEdge(h.graph.NewEdge(simple.Node(int64(parent.ID)), simple.Node(int64(n.ID))))
	return nil
}

func (h *Hierarchy) lookup(id uint32, what string) (*Node, bool) {
	n, ok := h.nodes[id]
	if !ok {
		logging.Warn().Uint32("id", id).Msgf("Unknown region ID; no %s available", what)
	}
	return n, ok
}

// RootID returns the id of the top-level region below background.
func (h *Hierarchy) RootID() uint32 {
	return h.rootID
}

// Size is the number of regions, background excluded.
func (h *Hierarchy) Size() int {
	return len(h.nodes) - 1
}

// MaxDepth is the depth of the deepest region.
func (h *Hierarchy) MaxDepth() int {
	return h.depth
}

// IsValid reports whether id is part of the ontology.
func (h *Hierarchy) IsValid(id uint32) bool {
	_, ok := h.nodes[id]
	return ok
}

// Node returns a copy of the node with the given id.
func (h *Hierarchy) Node(id uint32) (Node, bool) {
	n, ok := h.lookup(id, "node")
	if !ok {
		return Node{}, false
	}
	c := *n
	c.Children = append([]uint32(nil), n.Children...)
	return c, true
}

// Name returns the region name, or "" for unknown ids.
func (h *Hierarchy) Name(id uint32) string {
	if n, ok := h.lookup(id, "name"); ok {
		return n.Name
	}
	return ""
}

// Acronym returns the region acronym, or "" for unknown ids.
func (h *Hierarchy) Acronym(id uint32) string {
	if n, ok := h.lookup(id, "acronym"); ok {
		return n.Acronym
	}
	return ""
}

// Depth returns the depth of a region, -1 for unknown ids.
func (h *Hierarchy) Depth(id uint32) int {
	if n, ok := h.lookup(id, "depth"); ok {
		return n.Depth
	}
	return -1
}

// IsLeaf reports whether the region has no children. Unknown ids are never
// leaves.
func (h *Hierarchy) IsLeaf(id uint32) bool {
	n, ok := h.nodes[id]
	return ok && len(n.Children) == 0
}

// Parent returns the direct parent. The second result is false for the
// background node and for unknown ids.
func (h *Hierarchy) Parent(id uint32) (uint32, bool) {
	n, ok := h.lookup(id, "parent")
	if !ok || id == BackgroundID {
		return 0, false
	}
	return n.ParentID, true
}

// Children returns the direct children in ontology order.
func (h *Hierarchy) Children(id uint32) []uint32 {
	n, ok := h.lookup(id, "children")
	if !ok {
		return nil
	}
	return append([]uint32(nil), n.Children...)
}

// Ancestors collects every id on the path from each input id up to the
// background, the inputs included. Background is dropped unless requested.
func (h *Hierarchy) Ancestors(ids []uint32, includeBackground bool) IDSet {
	out := make(IDSet)
	for _, id := range ids {
		if _, ok := h.lookup(id, "ancestors"); !ok {
			continue
		}
		for {
			if out.Has(id) {
				// rest of the chain was already collected
				break
			}
			out.Add(id)
			if id == BackgroundID {
				break
			}
			id = h.nodes[id].ParentID
		}
	}
	if !includeBackground {
		out.Remove(BackgroundID)
	}
	return out
}

// Descendants collects each input id together with its whole subtree.
func (h *Hierarchy) Descendants(ids []uint32) IDSet {
	out := make(IDSet)
	var bf traverse.BreadthFirst
	for _, id := range ids {
		if _, ok := h.lookup(id, "descendants"); !ok {
			continue
		}
		bf.Walk(h.graph, simple.Node(int64(id)), func(n graph.Node, _ int) bool {
			out.Add(uint32(n.ID()))
			return false
		})
	}
	return out
}

// FilteredDescendants returns the proper descendants of id that are either
// in allowed or leaf regions. Excluded nodes are still traversed, so an
// allowed grandchild below an excluded child is found.
func (h *Hierarchy) FilteredDescendants(id uint32, allowed IDSet) IDSet {
	out := make(IDSet)
	if _, ok := h.lookup(id, "descendants"); !ok {
		return out
	}
	var bf traverse.BreadthFirst
	bf.Walk(h.graph, simple.Node(int64(id)), func(n graph.Node, _ int) bool {
		d := uint32(n.ID())
		if d != id && (allowed.Has(d) || h.IsLeaf(d)) {
			out.Add(d)
		}
		return false
	})
	return out
}

// InRegionLike reports whether id or any of its ancestors has a name
// matching pattern. A pattern without metacharacters is a substring test.
func (h *Hierarchy) InRegionLike(pattern string, id uint32) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		logging.Warn().Err(err).Str("pattern", pattern).Msg("Invalid region name pattern")
		return false
	}
	return h.InRegionMatching(re, id)
}

// InRegionMatching is InRegionLike with a precompiled pattern.
func (h *Hierarchy) InRegionMatching(re *regexp.Regexp, id uint32) bool {
	if !h.IsValid(id) {
		logging.Warn().Uint32("id", id).Msg("Invalid region ID")
		return false
	}
	for id != BackgroundID {
		n := h.nodes[id]
		if re.MatchString(n.Name) {
			return true
		}
		id = n.ParentID
	}
	return false
}

// IDsAtLevel returns the sorted ids of all regions at the given depth.
func (h *Hierarchy) IDsAtLevel(level int) []uint32 {
	out := make(IDSet)
	for id, n := range h.nodes {
		if n.Depth == level {
			out.Add(id)
		}
	}
	return out.Sorted()
}

// FindByName returns the id of the region with exactly this name.
func (h *Hierarchy) FindByName(name string) (uint32, bool) {
	for _, id := range h.sortedIDs() {
		if h.nodes[id].Name == name {
			return id, true
		}
	}
	return 0, false
}

// FindByAcronym returns the id of the region with exactly this acronym.
func (h *Hierarchy) FindByAcronym(acronym string) (uint32, bool) {
	for _, id := range h.sortedIDs() {
		if h.nodes[id].Acronym == acronym {
			return id, true
		}
	}
	return 0, false
}

// ColorMap maps every region id to its RGB color.
func (h *Hierarchy) ColorMap() map[uint32][3]uint8 {
	out := make(map[uint32][3]uint8, len(h.nodes))
	for id, n := range h.nodes {
		var rgb [3]uint8
		b, err := hex.DecodeString(n.Color)
		if err != nil || len(b) != 3 {
			logging.Debug().Uint32("id", id).Str("color", n.Color).Msg("Unparseable region color")
		} else {
			copy(rgb[:], b)
		}
		out[id] = rgb
	}
	return out
}

func (h *Hierarchy) sortedIDs() []uint32 {
	s := make(IDSet, len(h.nodes))
	for id := range h.nodes {
		s.Add(id)
	}
	return s.Sorted()
}

// String summarises the hierarchy.
func (h *Hierarchy) String() string {
	return fmt.Sprintf("Hierarchy, %d regions, depth %d", h.Size(), h.MaxDepth())
}
