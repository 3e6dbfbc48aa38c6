package reconcile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
)

// threeLevel builds 1 → {2 → {4, 5}, 3}.
func threeLevel(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h, err := hierarchy.FromRegion(hierarchy.Region{ID: 1, Name: "root", Children: []hierarchy.Region{
		{ID: 2, Name: "left", Children: []hierarchy.Region{
			{ID: 4, Name: "left a"},
			{ID: 5, Name: "left b"},
		}},
		{ID: 3, Name: "right"},
	}})
	require.NoError(t, err)
	return h
}

// fourLeaves builds 1 → {2 → {4, 5}, 3 → {6, 7}}.
func fourLeaves(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h, err := hierarchy.FromRegion(hierarchy.Region{ID: 1, Name: "root", Children: []hierarchy.Region{
		{ID: 2, Name: "left", Children: []hierarchy.Region{{ID: 4, Name: "l1"}, {ID: 5, Name: "l2"}}},
		{ID: 3, Name: "right", Children: []hierarchy.Region{{ID: 6, Name: "r1"}, {ID: 7, Name: "r2"}}},
	}})
	require.NoError(t, err)
	return h
}

var convergeOnly = RuleSet{
	Name:     "converge",
	Converge: []Direction{{Source: B, Target: A}, {Source: A, Target: B}},
}

func TestConvergeWorkedScenario(t *testing.T) {
	r := New(threeLevel(t), Options{})

	res, err := r.Run(convergeOnly, []uint32{0, 2, 4, 5}, []uint32{0, 1, 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 2, 4, 5}, res.A.From)
	assert.Equal(t, []uint32{0, 1, 1, 1}, res.A.To)
	assert.Equal(t, []uint32{0, 1, 3}, res.B.From)
	assert.Equal(t, []uint32{0, 1, 1}, res.B.To)

	require.Len(t, res.Passes, 2)
	assert.Equal(t, 1, res.Passes[0].Iterations)
	assert.Equal(t, 0, res.Passes[1].Iterations)
}

func TestConvergeFixedPoint(t *testing.T) {
	r := New(threeLevel(t), Options{})
	ids := []uint32{0, 2, 3}

	res, err := r.Run(convergeOnly, ids, ids, nil)
	require.NoError(t, err)
	assert.Equal(t, ids, res.A.To)
	assert.Equal(t, ids, res.B.To)
	assert.Empty(t, res.Changes)
	assert.Equal(t, 0, res.Iterations())
}

func TestConvergeTwoSubtrees(t *testing.T) {
	r := New(fourLeaves(t), Options{})

	res, err := r.Run(convergeOnly, []uint32{0, 4, 6}, []uint32{0, 5, 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 3}, res.A.To)
	assert.Equal(t, []uint32{0, 2, 3}, res.B.To)
	assert.Equal(t, 2, res.Passes[0].Iterations)

	// every effective substitution is recorded
	assert.Len(t, res.Changes, 4)
	assert.Equal(t, Change{Stage: "converge B toward A", Side: "B", From: 5, To: 2}, res.Changes[0])
}

// wideTree builds 1 → {10+i → {100+i, 200+i}} for i < n.
func wideTree(t *testing.T, n int) *hierarchy.Hierarchy {
	t.Helper()
	root := hierarchy.Region{ID: 1, Name: "root"}
	for i := 0; i < n; i++ {
		id := uint32(i)
		root.Children = append(root.Children, hierarchy.Region{
			ID:   10 + id,
			Name: fmt.Sprintf("group %d", i),
			Children: []hierarchy.Region{
				{ID: 100 + id, Name: fmt.Sprintf("left %d", i)},
				{ID: 200 + id, Name: fmt.Sprintf("right %d", i)},
			},
		})
	}
	h, err := hierarchy.FromRegion(root)
	require.NoError(t, err)
	return h
}

func TestConvergeIterationBound(t *testing.T) {
	const groups = 6
	h := wideTree(t, groups)
	r := New(h, Options{})

	a, b := []uint32{0}, []uint32{0}
	for i := uint32(0); i < groups; i++ {
		a = append(a, 100+i)
		b = append(b, 200+i)
	}

	res, err := r.Run(convergeOnly, a, b, nil)
	require.NoError(t, err)
	assert.Equal(t, res.A.Targets(), res.B.Targets())

	// one disjoint subtree is collapsed per iteration, so a pass may take
	// more iterations than the hierarchy is deep
	require.Len(t, res.Passes, 2)
	assert.Equal(t, groups, res.Passes[0].Iterations)
	assert.Greater(t, res.Passes[0].Iterations, h.MaxDepth())

	// the guaranteed bound is the default cap
	bound := len(a) + len(b) + h.MaxDepth() + 1
	for _, p := range res.Passes {
		assert.LessOrEqual(t, p.Iterations, bound, p.Direction)
	}
}

func TestConvergeIterationCap(t *testing.T) {
	r := New(fourLeaves(t), Options{MaxIterations: 1})

	_, err := r.Run(convergeOnly, []uint32{0, 4, 6}, []uint32{0, 5, 7}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonConvergence)

	var cerr *ConvergenceError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint32(7), cerr.ID)
	assert.Equal(t, 1, cerr.Iterations)
	assert.Equal(t, "B toward A", cerr.Direction)
	assert.Contains(t, err.Error(), "iteration cap of 1")
}

func TestConvergeUnknownID(t *testing.T) {
	logging.Capture(t)
	r := New(threeLevel(t), Options{})

	_, err := r.Run(convergeOnly, []uint32{0, 2}, []uint32{0, 2, 99}, nil)
	require.ErrorIs(t, err, ErrNonConvergence)

	var cerr *ConvergenceError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint32(99), cerr.ID)
	assert.Contains(t, cerr.Reason, "no ancestor")
}

func TestConvergeSentinelsProtected(t *testing.T) {
	r := New(threeLevel(t), Options{Sentinels: []uint32{3}})

	res, err := r.Run(convergeOnly, []uint32{0, 2}, []uint32{0, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 3}, res.B.To)
	assert.Equal(t, 0, res.Iterations())
}

func runStages(t *testing.T, stages []Stage, a, b []uint32) *Result {
	t.Helper()
	r := New(hierarchy.ToyCCF(), Options{})
	res, err := r.Run(RuleSet{Name: "test", Stages: stages}, a, b, nil)
	require.NoError(t, err)
	return res
}

func TestLeafStage(t *testing.T) {
	a := []uint32{0, 2001, 3002, 5001}
	b := []uint32{0, 3000}

	t.Run("coarse", func(t *testing.T) {
		res := runStages(t, []Stage{leafStage(B)}, a, b)
		// 3002 → parent in B, 5001 → grandparent under MeA, 2001 unchanged
		assert.Equal(t, []uint32{0, 2001, 3000, 403}, res.A.To)
		assert.Equal(t, []uint32{0, 3000}, res.B.To)
	})

	t.Run("fine", func(t *testing.T) {
		res := runStages(t, []Stage{leafStage(A)}, a, b)
		assert.Equal(t, []uint32{0, 38, 3000, 403}, res.A.To)
		require.NotEmpty(t, res.Changes)
		assert.Equal(t, "leaf correction", res.Changes[0].Stage)
	})
}

func TestVisualLayerStage(t *testing.T) {
	res := runStages(t, []Stage{visualLayerStage()}, []uint32{0, 593, 801}, []uint32{0, 821})
	assert.Equal(t, []uint32{0, 801, 801}, res.A.To)
	assert.Equal(t, []uint32{0, 561}, res.B.To)
}

func TestCoarseFiberTractsAndFrontalPole(t *testing.T) {
	stage := CoarseRules().Stages[4]
	res := runStages(t, []Stage{stage}, []uint32{0, 1100}, []uint32{0, 184, 1101, 2002})
	assert.Equal(t, []uint32{0, 184, 1100, 184}, res.B.To)
	assert.Equal(t, []uint32{0, 1100}, res.A.To)
}

func TestCoarse(t *testing.T) {
	r := New(hierarchy.ToyCCF(), Options{})

	res, err := r.Coarse([]uint32{0, 593, 3002, 5001}, []uint32{0, 403, 821, 3000})
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 669, 3000, 403}, res.A.To)
	assert.Equal(t, []uint32{0, 403, 669, 3000}, res.B.To)
	assert.ElementsMatch(t, res.A.Targets(), res.B.Targets())
	assert.Equal(t, 1, res.Iterations())
}

func TestCoarseFixedPoint(t *testing.T) {
	tests := []struct {
		name string
		a, b []uint32
	}{
		{"leaf and visual layers", []uint32{0, 593, 3002, 5001}, []uint32{0, 403, 821, 3000}},
		{"fiber tracts and frontal pole", []uint32{0, 593, 1100, 3000}, []uint32{0, 184, 821, 1101, 2002, 3000}},
		{"already shared", []uint32{0, 403, 3000}, []uint32{0, 403, 3000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(hierarchy.ToyCCF(), Options{})
			first, err := r.Coarse(tt.a, tt.b)
			require.NoError(t, err)

			a, b := first.A.Targets(), first.B.Targets()
			second, err := r.Coarse(a, b)
			require.NoError(t, err)
			assert.Equal(t, second.A.From, second.A.To)
			assert.Equal(t, second.B.From, second.B.To)
			assert.Empty(t, second.Changes)
			assert.Zero(t, second.Iterations())
		})
	}
}

func TestFineSetLevelExtraOverrides(t *testing.T) {
	logging.Capture(t)
	r := New(hierarchy.ToyCCF(), Options{
		ExtraOverrides: map[string][]Override{
			StageManual1: {{Side: B, From: 3003, To: 3000}},
		},
	})

	res, err := r.FineSetLevel([]uint32{0, 423, 3000}, []uint32{0, 3003, 667})
	require.NoError(t, err)
	// 423 is unknown to the toy ontology but still hit by the CA2 override
	assert.Equal(t, []uint32{0, 382, 3000}, res.A.To)
	assert.Equal(t, []uint32{0, 184, 3000}, res.B.To)
	assert.Empty(t, res.Passes)
}

func TestFineFinalize(t *testing.T) {
	h := hierarchy.ToyCCF()
	r := New(h, Options{})
	a := []uint32{0, 81, 1101, 3001}
	b := []uint32{0, 795, 1101}

	res, err := r.FineFinalize(a, b, ComputeClosures(h, a, b))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 997, 1009, 795}, res.A.To)
	assert.Equal(t, []uint32{0, 795, 1009}, res.B.To)
	require.Len(t, res.Passes, 1)
	assert.Equal(t, "B toward A", res.Passes[0].Direction)
}
