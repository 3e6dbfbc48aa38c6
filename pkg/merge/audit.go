package merge

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/edgecorrect"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/reconcile"
	"atlasmerge/pkg/remap"
	"atlasmerge/pkg/visualization"
)

// Report summarises a merge run.
type Report struct {
	RunID    string    `yaml:"runId"`
	Mode     string    `yaml:"mode"`
	Started  time.Time `yaml:"started"`
	Duration string    `yaml:"duration"`
	Shape    [3]int    `yaml:"shape,flow"`

	// IDsBefore and IDsAfter count the distinct labels of A and B.
	IDsBefore [2]int `yaml:"idsBefore,flow"`
	IDsAfter  [2]int `yaml:"idsAfter,flow"`

	// VoxelsChanged counts relabelled voxels of A and B.
	VoxelsChanged [2]int `yaml:"voxelsChanged,flow"`

	// Changes is the number of effective table substitutions.
	Changes int              `yaml:"changes"`
	Passes  []reconcile.Pass `yaml:"passes,omitempty"`

	Edge []edgecorrect.Stats `yaml:"edgeCorrection,omitempty"`

	// Mean and standard deviation of the per-seed corrected fractions.
	EdgeFractionMean   float64 `yaml:"edgeFractionMean,omitempty"`
	EdgeFractionStdDev float64 `yaml:"edgeFractionStdDev,omitempty"`
}

func (r *Report) setEdgeStats(stats []edgecorrect.Stats) {
	r.Edge = stats
	fractions := make([]float64, 0, len(stats))
	for _, s := range stats {
		if s.Voxels > 0 {
			fractions = append(fractions, s.Fraction())
		}
	}
	switch len(fractions) {
	case 0:
		r.EdgeFractionMean, r.EdgeFractionStdDev = 0, 0
	case 1:
		r.EdgeFractionMean, r.EdgeFractionStdDev = fractions[0], 0
	default:
		r.EdgeFractionMean, r.EdgeFractionStdDev = stat.MeanStdDev(fractions, nil)
	}
}

// Pair is one non-identity entry of a remap table.
type Pair struct {
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

// TableAudit records the outcome of one reconciliation step.
type TableAudit struct {
	Step    string             `yaml:"step"`
	A       []Pair             `yaml:"a"`
	B       []Pair             `yaml:"b"`
	Changes []reconcile.Change `yaml:"changes"`
}

func changedPairs(t remap.Table) []Pair {
	changed := t.Changed()
	out := make([]Pair, 0, len(changed))
	for from, to := range changed {
		out = append(out, Pair{From: from, To: to})
	}
	slices.SortFunc(out, func(a, b Pair) int {
		return cmp.Compare(a.From, b.From)
	})
	return out
}

func newTableAudit(step string, res *reconcile.Result) TableAudit {
	return TableAudit{
		Step:    step,
		A:       changedPairs(res.A),
		B:       changedPairs(res.B),
		Changes: res.Changes,
	}
}

// Tables returns the audit entries of the last merge.
func (m *Merger) Tables() []TableAudit {
	return m.tables
}

// WriteAudit writes report.yaml and tables.yaml into a run-specific
// subdirectory of dir.
func (m *Merger) WriteAudit(dir string) error {
	runDir := filepath.Join(dir, m.runID)
	if err := ensureDir(runDir); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(runDir, "report.yaml"), m.report); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(runDir, "tables.yaml"), m.tables); err != nil {
		return err
	}
	m.log.Info().Str("dir", runDir).Int("tables", len(m.tables)).Msg("Audit trail written")
	return nil
}

// WritePreviews renders the central planes of each named volume into the
// preview subdirectory of the run.
func (m *Merger) WritePreviews(dir string, h *hierarchy.Hierarchy, vols map[string]*models.LabelVolume) error {
	previewDir := filepath.Join(dir, m.runID, "preview")
	colors := h.ColorMap()
	names := make([]string, 0, len(vols))
	for name := range vols {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		paths, err := visualization.NewViewer(vols[name], colors).SaveMidSlices(previewDir, name)
		if err != nil {
			return err
		}
		m.log.Debug().Str("volume", name).Strs("files", paths).Msg("Preview written")
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
