package reconcile

// Rule sets for merging the Allen CCFv2 (side A) and CCFv3 (side B) mouse
// brain annotations. Region ids refer to the AIBS adult mouse ontology.

// Names of the stages that accept extra overrides from configuration.
const (
	StageManual1 = "manual relabel #1"
	StageManual2 = "manual relabel #2"
)

// Canonical Visual areas layer ids.
var visualLayers = []struct {
	pattern string
	id      uint32
}{
	{"ayer 1", 801},
	{"ayer 2/3", 561},
	{"ayer 4", 913},
	{"ayer 5", 937},
	{"ayer 6a", 457},
	{"ayer 6b", 497},
}

func overrides(side Side, to uint32, from ...uint32) []Override {
	out := make([]Override, 0, len(from))
	for _, f := range from {
		out = append(out, Override{Side: side, From: f, To: to})
	}
	return out
}

func concat(groups ...[]Override) []Override {
	var out []Override
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func manualTable1() []Override {
	return concat(
		// Entorhinal area, lateral part
		overrides(A, 28, 60),
		overrides(A, 20, 999, 715, 764),
		overrides(A, 139, 92, 312),
		// Entorhinal area, medial part, dorsal zone
		overrides(A, 543, 468, 508),
		overrides(A, 727, 712),
		overrides(A, 304, 195),
		overrides(A, 582, 524),
		overrides(A, 430, 606),
		overrides(A, 556, 747),
		// Cochlear nuclei
		overrides(A, 607, 96, 101, 112, 560),
		overrides(B, 607, 96, 101),
		// Nucleus ambiguus
		overrides(A, 135, 143, 939),
		overrides(B, 135, 143, 939),
		// Accessory olfactory bulb
		overrides(A, 151, 188, 196, 204),
		overrides(B, 151, 188, 196, 204),
		// Medial mammillary nucleus
		overrides(A, 491, 798),
		overrides(B, 491, 798, 606826647, 606826651, 606826655, 606826659),
		// Dorsal part of the lateral geniculate complex
		overrides(B, 170, 496345664, 496345668, 496345672),
		// Lateral reticular nucleus
		overrides(A, 235, 955, 963),
		overrides(B, 235, 955, 963),
		// Posterior parietal association areas, layer by layer
		overrides(B, 532, 312782550, 312782604),
		overrides(B, 241, 312782554, 312782608),
		overrides(B, 635, 312782558, 312782612),
		overrides(B, 683, 312782562, 312782616),
		overrides(B, 308, 312782566, 312782620),
		overrides(B, 340, 312782570, 312782624),
		// Parabrachial nucleus
		overrides(A, 867, 123, 860, 868, 875, 883, 891, 899, 915),
		overrides(B, 867, 123),
	)
}

func manualTable2() []Override {
	return concat(
		// Prosubiculum to Subiculum
		overrides(B, 502, 484682470),
		// Orbital area, medial part, layer 6b to 6a
		overrides(B, 910, 527696977),
		overrides(B, 314, 355),
	)
}

func fineManualTable1() []Override {
	// Field CA2 is merged into CA1.
	return concat(
		overrides(A, 382, 423),
		overrides(B, 382, 423),
		manualTable1(),
	)
}

func fineManualTable2() []Override {
	return concat(
		manualTable2(),
		// Frontal pole children to Frontal pole, cerebral cortex
		overrides(B, 184, 68, 667, 526157192, 526157196, 526322264),
		overrides(A, 184, 68, 667),
		// Entorhinal area, medial part, ventral zone is missing from CCFv3:
		// everything ventral to the cortex transition area becomes 663.
		overrides(A, 663, 259, 324, 371, 1133),
		overrides(A, 663, 655, 780),
		overrides(B, 663, 655, 780),
	)
}

// leafStage collapses ids present only in A. pvhSide is the atlas whose
// table receives 38 for ids under the Paraventricular hypothalamic nucleus.
func leafStage(pvhSide Side) Stage {
	return Stage{
		Name:       "leaf correction",
		Candidates: OnlyIn(A),
		FirstMatch: true,
		Rules: []Rule{
			{
				Name: "leaf with parent in B",
				When: All(IsLeaf, Not(In(B)), ParentIn(B)),
				Then: ToParent(A),
			},
			{
				Name: "leaf under problem region",
				When: All(IsLeaf, AnyOf(
					InRegion("Medial amygdalar nucleus"),
					InRegion("Subiculum"),
					InRegion("Bed nuclei of the stria terminalis"),
				)),
				Then: ToGrandparent(A),
			},
			{
				Name: "paraventricular hypothalamic nucleus",
				When: InRegion("Paraventricular hypothalamic nucleus"),
				Then: ToID(38, pvhSide),
			},
		},
	}
}

func visualLayerStage() Stage {
	rules := make([]Rule, 0, len(visualLayers))
	for _, l := range visualLayers {
		rules = append(rules, Rule{
			Name: "visual areas " + l.pattern,
			When: All(InRegion("Visual areas"), InRegion(l.pattern)),
			Then: ToID(l.id, B, A),
		})
	}
	return Stage{
		Name:       "visual area layers",
		Candidates: AllIDs,
		Rules:      rules,
		FirstMatch: true,
	}
}

// CoarseRules is the set-level pipeline of the coarse merge.
func CoarseRules() RuleSet {
	return RuleSet{
		Name: "ccf coarse",
		Stages: []Stage{
			leafStage(B),
			{Name: StageManual1, Overrides: manualTable1()},
			visualLayerStage(),
			{Name: StageManual2, Overrides: manualTable2()},
			{
				Name:       "fiber tracts and frontal pole",
				Candidates: IDsOf(B),
				Rules: []Rule{
					{
						Name: "parent known to A",
						When: All(
							AnyOf(InRegion("fiber tracts"), InRegion("Interpeduncular nucleus")),
							Not(In(A)),
							ParentIn(A),
						),
						Then: ToParent(B),
					},
					{
						Name: "frontal pole",
						When: InRegion("Frontal pole, cerebral cortex"),
						Then: ToID(184, B, A),
					},
				},
			},
		},
		Converge: []Direction{{Source: B, Target: A}, {Source: A, Target: B}},
	}
}

// FineRules is the set-level pass run before edge correction in the fine
// merge. It has no convergence loop.
func FineRules() RuleSet {
	return RuleSet{
		Name: "ccf fine",
		Stages: []Stage{
			leafStage(A),
			{Name: StageManual1, Overrides: fineManualTable1()},
			visualLayerStage(),
			{Name: StageManual2, Overrides: fineManualTable2()},
		},
	}
}

func tractStage(side Side) Stage {
	return Stage{
		Name:       "fiber tracts and ventricles " + side.String(),
		Candidates: CurrentIDsOf(side),
		FirstMatch: true,
		Rules: []Rule{
			{Name: "fiber tracts", When: InRegion("fiber tracts"), Then: ToID(1009, side)},
			{Name: "ventricular systems", When: InRegion("ventricular systems"), Then: ToID(997, side)},
		},
	}
}

// FineFinalizeRules is the set-level pass run after edge correction. Its
// stages and its convergence loop use the closures of the volumes as they
// were before the fine merge started.
func FineFinalizeRules() RuleSet {
	return RuleSet{
		Name: "ccf fine finalize",
		Stages: []Stage{
			{
				// Periaqueductal gray
				Name:       "collapse onto 795",
				Candidates: FilteredDescendantsOf(795, A),
				Rules: []Rule{
					{Name: "descendant of 795", When: Always, Then: ToIDWhereAllowed(795)},
				},
			},
			tractStage(A),
			tractStage(B),
		},
		Converge: []Direction{{Source: B, Target: A}},
	}
}

// Coarse runs the coarse merge rule set.
func (r *Reconciler) Coarse(uniqueA, uniqueB []uint32) (*Result, error) {
	return r.Run(CoarseRules(), uniqueA, uniqueB, nil)
}

// FineSetLevel runs the set-level pass preceding edge correction.
func (r *Reconciler) FineSetLevel(uniqueA, uniqueB []uint32) (*Result, error) {
	return r.Run(FineRules(), uniqueA, uniqueB, nil)
}

// FineFinalize runs the set-level pass following edge correction. closures
// must be computed from the volumes before any fine merge step.
func (r *Reconciler) FineFinalize(uniqueA, uniqueB []uint32, closures Closures) (*Result, error) {
	return r.Run(FineFinalizeRules(), uniqueA, uniqueB, &closures)
}
