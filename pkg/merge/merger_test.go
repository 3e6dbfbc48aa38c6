package merge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/edgecorrect"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/reconcile"
	"atlasmerge/pkg/volumeio"
)

func line(labels ...uint32) *models.LabelVolume {
	vol := models.NewLabelVolume(len(labels), 1, 1)
	copy(vol.Data, labels)
	return vol
}

func TestMergeCoarse(t *testing.T) {
	logging.Capture(t)
	m := NewMerger(&Params{Mode: Coarse, NumCores: 2})

	a := line(593, 3002, 5001, 0)
	b := line(821, 3000, 403, 0)
	outA, outB, err := m.Merge(context.Background(), hierarchy.ToyCCF(), a, b)
	require.NoError(t, err)

	assert.Equal(t, []uint32{669, 3000, 403, 0}, outA.Data)
	assert.Equal(t, []uint32{669, 3000, 403, 0}, outB.Data)
	// inputs untouched
	assert.Equal(t, []uint32{593, 3002, 5001, 0}, a.Data)

	report := m.Report()
	assert.Equal(t, m.RunID(), report.RunID)
	assert.Equal(t, [2]int{4, 4}, report.IDsBefore)
	assert.Equal(t, [2]int{4, 4}, report.IDsAfter)
	assert.Equal(t, [2]int{3, 1}, report.VoxelsChanged)
	require.Len(t, report.Passes, 2)
	assert.Empty(t, report.Edge)

	tables := m.Tables()
	require.Len(t, tables, 1)
	assert.Equal(t, "coarse", tables[0].Step)
	assert.Equal(t, []Pair{{From: 593, To: 669}, {From: 3002, To: 3000}, {From: 5001, To: 403}}, tables[0].A)
}

func TestMergeFine(t *testing.T) {
	logging.Capture(t)
	m := NewMerger(&Params{Mode: Fine, NumCores: 2, EdgeBudget: 3})

	a := line(8, 3002, 3002, 0)
	b := line(3000, 3000, 3000, 0)
	outA, outB, err := m.Merge(context.Background(), hierarchy.ToyCCF(), a, b)
	require.NoError(t, err)

	assert.Equal(t, []uint32{3000, 3000, 3000, 0}, outA.Data)
	assert.Equal(t, []uint32{3000, 3000, 3000, 0}, outB.Data)

	report := m.Report()
	require.Len(t, report.Edge, 8)
	var seed8 bool
	for _, s := range report.Edge {
		if s.Region == 8 {
			seed8 = true
			assert.Equal(t, "A", s.Target)
			assert.Equal(t, 1, s.Voxels)
			assert.Equal(t, 1, s.Corrected)
		}
	}
	assert.True(t, seed8)
	assert.InDelta(t, 1.0, report.EdgeFractionMean, 1e-9)
	assert.InDelta(t, 0.0, report.EdgeFractionStdDev, 1e-9)
	assert.Len(t, m.Tables(), 2)
}

func TestMergeErrors(t *testing.T) {
	logging.Capture(t)
	h := hierarchy.ToyCCF()

	m := NewMerger(&Params{Mode: Coarse})
	_, _, err := m.Merge(context.Background(), h, line(1, 2), line(1, 2, 3))
	assert.ErrorIs(t, err, models.ErrShapeMismatch)

	// an id unknown to the ontology cannot be collapsed
	_, _, err = m.Merge(context.Background(), h, line(3000, 99999), line(3000, 3000))
	assert.ErrorIs(t, err, reconcile.ErrNonConvergence)

	m = NewMerger(&Params{Mode: "medium"})
	_, _, err = m.Merge(context.Background(), h, line(1), line(1))
	assert.ErrorContains(t, err, "unknown merge mode")
}

func TestEdgeStatsSummary(t *testing.T) {
	var r Report
	r.setEdgeStats(nil)
	assert.Zero(t, r.EdgeFractionMean)

	r.setEdgeStats([]edgecorrect.Stats{
		{Region: 1, Voxels: 4, Corrected: 1},
		{Region: 2, Voxels: 4, Corrected: 3},
		{Region: 3, Voxels: 0},
	})
	assert.InDelta(t, 0.5, r.EdgeFractionMean, 1e-9)
	assert.Greater(t, r.EdgeFractionStdDev, 0.0)
	assert.Len(t, r.Edge, 3)
}

func TestProcess(t *testing.T) {
	logging.Capture(t)
	dir := t.TempDir()

	ontology, err := json.Marshal(hierarchy.ToyCCFRegion())
	require.NoError(t, err)
	ontologyPath := filepath.Join(dir, "1.json")
	require.NoError(t, os.WriteFile(ontologyPath, ontology, 0644))

	inA, inB := filepath.Join(dir, "a.nrrd"), filepath.Join(dir, "b.nrrd")
	require.NoError(t, volumeio.WriteFile(inA, line(593, 3002, 5001, 0), volumeio.WriteOptions{}))
	require.NoError(t, volumeio.WriteFile(inB, line(821, 3000, 403, 0), volumeio.WriteOptions{Compress: true}))

	params := &Params{
		Mode:         Coarse,
		InputA:       inA,
		InputB:       inB,
		OntologyFile: ontologyPath,
		OutputA:      filepath.Join(dir, "out_a.nrrd"),
		OutputB:      filepath.Join(dir, "out_b.nrrd"),
		NumCores:     1,
		Compress:     true,
		SaveAudit:    true,
		AuditDir:     filepath.Join(dir, "audit"),
		SavePreviews: true,
		MetricsFile:  filepath.Join(dir, "atlasmerge.prom"),
	}
	m := NewMerger(params)
	require.NoError(t, m.Process(context.Background()))

	outA, err := volumeio.ReadFile(params.OutputA)
	require.NoError(t, err)
	assert.Equal(t, []uint32{669, 3000, 403, 0}, outA.Data)

	data, err := os.ReadFile(filepath.Join(params.AuditDir, m.RunID(), "report.yaml"))
	require.NoError(t, err)
	var report Report
	require.NoError(t, yaml.Unmarshal(data, &report))
	assert.Equal(t, "coarse", report.Mode)
	assert.Equal(t, [3]int{4, 1, 1}, report.Shape)

	_, err = os.Stat(filepath.Join(params.AuditDir, m.RunID(), "tables.yaml"))
	assert.NoError(t, err)

	previews, err := filepath.Glob(filepath.Join(params.AuditDir, m.RunID(), "preview", "*.png"))
	require.NoError(t, err)
	assert.Len(t, previews, 12)

	prom, err := os.ReadFile(params.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `atlasmerge_runs_total{mode="coarse",status="success"} 1`)
}

func TestProcessMissingOntology(t *testing.T) {
	logging.Capture(t)
	m := NewMerger(&Params{Mode: Coarse, OntologyFile: filepath.Join(t.TempDir(), "missing.json")})
	err := m.Process(context.Background())
	assert.ErrorContains(t, err, "failed to load ontology")
}
