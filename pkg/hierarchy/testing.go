package hierarchy

// Test fixtures shared by the packages built on top of the hierarchy.

func region(id uint32, name string, children ...Region) Region {
	return Region{ID: id, Name: name, Acronym: name, ColorHexTriplet: "808080", Children: children}
}

// ToyCCFRegion returns a small ontology shaped like the AIBS mouse brain
// ontology. It carries the region names and ids the CCF rule sets key on,
// with invented ids for the subregions below them:
//
//	997 root
//	├── 8 Basic cell groups and regions
//	│   ├── 669 Visual areas
//	│   │   ├── 385 Primary visual area ── 593 (layer 1), 821 (layer 2/3)
//	│   │   ├── 801 Visual areas, layer 1
//	│   │   └── 561 Visual areas, layer 2/3
//	│   ├── 403 Medial amygdalar nucleus ── 411 anterodorsal part ── 5001
//	│   ├── 38 Paraventricular hypothalamic nucleus ── 2001
//	│   ├── 184 Frontal pole, cerebral cortex ── 2002
//	│   ├── 795 Periaqueductal gray ── 3001
//	│   └── 3000 Thalamus ── 3002, 3003
//	├── 1009 fiber tracts ── 1100 cranial nerves ── 1101 optic nerve
//	└── 73 ventricular systems ── 81 lateral ventricle
func ToyCCFRegion() Region {
	return region(997, "root",
		region(8, "Basic cell groups and regions",
			region(669, "Visual areas",
				region(385, "Primary visual area",
					region(593, "Primary visual area, layer 1"),
					region(821, "Primary visual area, layer 2/3"),
				),
				region(801, "Visual areas, layer 1"),
				region(561, "Visual areas, layer 2/3"),
			),
			region(403, "Medial amygdalar nucleus",
				region(411, "Medial amygdalar nucleus, anterodorsal part",
					region(5001, "Medial amygdalar nucleus, anterodorsal part, sublayer a"),
				),
			),
			region(38, "Paraventricular hypothalamic nucleus",
				region(2001, "Paraventricular hypothalamic nucleus, magnocellular division"),
			),
			region(184, "Frontal pole, cerebral cortex",
				region(2002, "Frontal pole, layer 1"),
			),
			region(795, "Periaqueductal gray",
				region(3001, "Periaqueductal gray, dorsal part"),
			),
			region(3000, "Thalamus",
				region(3002, "Thalamus, sensory-motor cortex related"),
				region(3003, "Thalamus, polymodal association cortex related"),
			),
		),
		region(1009, "fiber tracts",
			region(1100, "cranial nerves",
				region(1101, "optic nerve"),
			),
		),
		region(73, "ventricular systems",
			region(81, "lateral ventricle"),
		),
	)
}

// ToyCCF builds the hierarchy of ToyCCFRegion.
func ToyCCF() *Hierarchy {
	h, err := FromRegion(ToyCCFRegion())
	if err != nil {
		panic(err)
	}
	return h
}
