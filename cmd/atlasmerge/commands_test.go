package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/volumeio"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeOntology(t *testing.T, dir string) string {
	t.Helper()
	data, err := json.Marshal(hierarchy.ToyCCFRegion())
	require.NoError(t, err)
	path := filepath.Join(dir, "1.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func line(labels ...uint32) *models.LabelVolume {
	vol := models.NewLabelVolume(len(labels), 1, 1)
	copy(vol.Data, labels)
	return vol
}

func TestInspect(t *testing.T) {
	ontology := writeOntology(t, t.TempDir())

	out, err := execute(t, "inspect", ontology)
	require.NoError(t, err)
	assert.Contains(t, out, "25 regions, root 997 (root)")

	out, err = execute(t, "inspect", ontology, "3000")
	require.NoError(t, err)
	assert.Contains(t, out, "3000 Thalamus (Thalamus)")
	assert.Contains(t, out, "parent:   8 Basic cell groups and regions")
	assert.Contains(t, out, "child:    3002")
	assert.Contains(t, out, "leaf:     false")

	out, err = execute(t, "inspect", ontology, "Periaqueductal gray")
	require.NoError(t, err)
	assert.Contains(t, out, "795 Periaqueductal gray")

	_, err = execute(t, "inspect", ontology, "424242")
	assert.ErrorContains(t, err, `unknown region "424242"`)
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	ontology := writeOntology(t, dir)
	inA, inB := filepath.Join(dir, "a.nrrd"), filepath.Join(dir, "b.nrrd")
	require.NoError(t, volumeio.WriteFile(inA, line(593, 3002, 5001, 0), volumeio.WriteOptions{}))
	require.NoError(t, volumeio.WriteFile(inB, line(821, 3000, 403, 0), volumeio.WriteOptions{}))
	outA, outB := filepath.Join(dir, "out_a.nrrd"), filepath.Join(dir, "out_b.nrrd")
	audit := filepath.Join(dir, "audit")

	out, err := execute(t, "--cores", "1", "--audit-dir", audit, "coarse", inA, inB, ontology, outA, outB)
	require.NoError(t, err)
	assert.Contains(t, out, "ATLAS MERGE (COARSE)")
	assert.Contains(t, out, "Voxels changed: A 3, B 1")
	assert.Contains(t, out, "Convergence B toward A: 1 iterations")

	vol, err := volumeio.ReadFile(outB)
	require.NoError(t, err)
	assert.Equal(t, []uint32{669, 3000, 403, 0}, vol.Data)

	entries, err := os.ReadDir(audit)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMergeCommandArgs(t *testing.T) {
	_, err := execute(t, "fine", "a.nrrd", "b.nrrd")
	assert.ErrorContains(t, err, "accepts 5 arg(s)")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasmerge.yaml")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "config", "init"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "edgeBudget: 3")
}

func TestConfigInitReplacesInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasmerge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  edgeBudget: -7\n"), 0644))

	// other commands refuse the file
	_, err := execute(t, "--config", path, "inspect", "1.json")
	assert.ErrorContains(t, err, "edgeBudget")

	_, err = execute(t, "--config", path, "config", "init")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "edgeBudget: 3")
}
