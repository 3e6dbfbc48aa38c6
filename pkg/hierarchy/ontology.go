package hierarchy

import (
	"encoding/json"
	"fmt"
	"os"

	"atlasmerge/pkg/logging"
)

// Region is one entry of an AIBS structure graph (the `1.json` ontology),
// with its children nested recursively.
type Region struct {
	ID                uint32   `json:"id"`
	AtlasID           *int64   `json:"atlas_id"`
	OntologyID        *int64   `json:"ontology_id"`
	Acronym           string   `json:"acronym"`
	Name              string   `json:"name"`
	ColorHexTriplet   string   `json:"color_hex_triplet"`
	GraphOrder        *int64   `json:"graph_order"`
	StLevel           *int64   `json:"st_level"`
	HemisphereID      *int64   `json:"hemisphere_id"`
	ParentStructureID *uint32  `json:"parent_structure_id"`
	Children          []Region `json:"children"`
}

// aibsResponse is the envelope returned by the AIBS API.
type aibsResponse struct {
	Msg []Region `json:"msg"`
}

// FromRegion builds a hierarchy from the top-level region. The root is
// attached to the background node regardless of its parent field.
func FromRegion(root Region) (*Hierarchy, error) {
	h := newHierarchy()
	h.rootID = root.ID

	type frame struct {
		region *Region
		parent uint32
	}
	stack := []frame{{region: &root, parent: BackgroundID}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r := f.region
		if r.ParentStructureID != nil && f.parent != BackgroundID && *r.ParentStructureID != f.parent {
			logging.Warn().
				Uint32("id", r.ID).
				Uint32("declared_parent", *r.ParentStructureID).
				Uint32("enclosing_parent", f.parent).
				Msg("Region parent field disagrees with nesting; using nesting")
		}
		n := &Node{
			ID:           r.ID,
			Name:         r.Name,
			Acronym:      r.Acronym,
			Color:        r.ColorHexTriplet,
			ParentID:     f.parent,
			AtlasID:      r.AtlasID,
			OntologyID:   r.OntologyID,
			GraphOrder:   r.GraphOrder,
			StLevel:      r.StLevel,
			HemisphereID: r.HemisphereID,
		}
		if err := h.attach(n); err != nil {
			return nil, fmt.Errorf("error building hierarchy: %w", err)
		}
		// push in reverse so children are attached in ontology order
		for i := len(r.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{region: &r.Children[i], parent: r.ID})
		}
	}
	return h, nil
}

// ParseJSON builds a hierarchy from JSON holding either a bare structure
// graph or a raw AIBS response with the graph under "msg". A raw response
// is accepted with a warning when warnRawResponse is set.
func ParseJSON(data []byte, warnRawResponse bool) (*Hierarchy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("error parsing ontology: %w", err)
	}

	var root Region
	if _, raw := probe["msg"]; raw {
		if warnRawResponse {
			logging.Warn().Msg(`Seems like you're trying to use the raw AIBS response as input; ` +
				`next time please use response["msg"][0]`)
		}
		var resp aibsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("error parsing AIBS response: %w", err)
		}
		if len(resp.Msg) == 0 {
			return nil, fmt.Errorf("AIBS response has an empty msg list")
		}
		root = resp.Msg[0]
	} else if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("error parsing structure graph: %w", err)
	}
	return FromRegion(root)
}

// LoadJSON reads an ontology file. Both bare structure graphs and raw AIBS
// responses are supported without a warning.
func LoadJSON(path string) (*Hierarchy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading ontology file: %w", err)
	}
	return ParseJSON(data, false)
}

// ToRegion serialises the subtree rooted at rootID; it is the inverse of
// FromRegion. A rootID of BackgroundID selects the real root. The returned
// top-level region is detached (nil parent).
func (h *Hierarchy) ToRegion(rootID uint32) (Region, error) {
	if rootID == BackgroundID {
		rootID = h.rootID
	}
	if !h.IsValid(rootID) {
		return Region{}, fmt.Errorf("unknown region id %d", rootID)
	}

	// pre-order via an explicit stack, then build bottom-up in reverse
	var order []uint32
	stack := []uint32{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, id)
		stack = append(stack, h.nodes[id].Children...)
	}

	built := make(map[uint32]Region, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		n := h.nodes[order[i]]
		parent := n.ParentID
		r := Region{
			ID:                n.ID,
			AtlasID:           n.AtlasID,
			OntologyID:        n.OntologyID,
			Acronym:           n.Acronym,
			Name:              n.Name,
			ColorHexTriplet:   n.Color,
			GraphOrder:        n.GraphOrder,
			StLevel:           n.StLevel,
			HemisphereID:      n.HemisphereID,
			ParentStructureID: &parent,
			Children:          make([]Region, 0, len(n.Children)),
		}
		for _, c := range n.Children {
			r.Children = append(r.Children, built[c])
			delete(built, c)
		}
		built[n.ID] = r
	}
	out := built[rootID]
	out.ParentStructureID = nil
	return out, nil
}
