// Package merge runs the complete atlas merge: it loads two annotation
// volumes and an ontology, reconciles their region ids, applies the
// resulting tables (with edge correction in fine mode) and saves the
// reconciled volumes together with an optional audit trail.
package merge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/edgecorrect"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/metrics"
	"atlasmerge/pkg/reconcile"
	"atlasmerge/pkg/remap"
	"atlasmerge/pkg/volumeio"
)

// Mode selects the merge variant.
type Mode string

const (
	// Coarse reconciles ids only and converges in both directions.
	Coarse Mode = "coarse"
	// Fine adds voxel-level edge correction and a second set-level pass.
	Fine Mode = "fine"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Coarse, Fine:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown merge mode %q", s)
}

// Params holds the merge parameters.
type Params struct {
	// Mode is the merge variant to run.
	Mode Mode

	// InputA and InputB are the NRRD annotation volumes to merge. A is
	// usually CCFv2 and B CCFv3.
	InputA string
	InputB string

	// OntologyFile is the AIBS structure graph (1.json).
	OntologyFile string

	// OutputA and OutputB receive the reconciled volumes.
	OutputA string
	OutputB string

	// NumCores specifies how many CPU cores to use for parallel processing.
	NumCores int

	// EdgeBudget bounds the searches of the bounded edge-correction seeds.
	EdgeBudget int

	// Sentinels are protected from the convergence loop; nil selects the
	// defaults.
	Sentinels []uint32

	// MaxIterations caps each convergence pass; zero derives it.
	MaxIterations int

	// ExtraOverrides are appended to the manual relabel stages.
	ExtraOverrides map[string][]reconcile.Override

	// Compress writes gzip-encoded volumes.
	Compress bool

	// SaveAudit writes the report and the remap tables under AuditDir.
	SaveAudit bool
	AuditDir  string

	// SavePreviews adds PNG renderings of the central planes of every
	// input and output volume to the audit trail.
	SavePreviews bool

	// MetricsFile, when set, receives a Prometheus textfile dump.
	MetricsFile string
}

// Merger runs one merge. It is not safe for concurrent use.
type Merger struct {
	params  *Params
	runID   string
	log     zerolog.Logger
	metrics *metrics.Metrics

	report Report
	tables []TableAudit
}

// NewMerger creates a merger for the provided parameters.
func NewMerger(params *Params) *Merger {
	runID := uuid.New().String()
	return &Merger{
		params:  params,
		runID:   runID,
		log:     logging.With().Str("run_id", runID).Str("mode", string(params.Mode)).Logger(),
		metrics: metrics.New(),
	}
}

// RunID identifies this run in logs and audit files.
func (m *Merger) RunID() string {
	return m.runID
}

// Report returns the summary of the last merge.
func (m *Merger) Report() Report {
	return m.report
}

// Metrics returns the collectors of this run.
func (m *Merger) Metrics() *metrics.Metrics {
	return m.metrics
}

// Process runs the complete file-based pipeline.
func (m *Merger) Process(ctx context.Context) (err error) {
	defer func() {
		m.metrics.Run(string(m.params.Mode), err)
		if m.params.MetricsFile != "" {
			if werr := m.metrics.WriteTextfile(m.params.MetricsFile); werr != nil {
				m.log.Warn().Err(werr).Msg("Failed to write metrics")
			}
		}
	}()

	// Step 1: Load the ontology
	m.log.Info().Str("path", m.params.OntologyFile).Msg("Step 1: Loading ontology...")
	start := time.Now()
	h, err := hierarchy.LoadJSON(m.params.OntologyFile)
	if err != nil {
		return fmt.Errorf("failed to load ontology: %w", err)
	}
	m.log.Info().Int("regions", h.Size()).Int("depth", h.MaxDepth()).Msg("Ontology loaded")

	// Step 2: Load both volumes
	m.log.Info().Msg("Step 2: Loading annotation volumes...")
	var a, b *models.LabelVolume
	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		a, err = volumeio.ReadFile(m.params.InputA)
		return err
	})
	g.Go(func() error {
		var err error
		b, err = volumeio.ReadFile(m.params.InputB)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load volumes: %w", err)
	}
	m.metrics.Step("load", start)

	// Step 3: Merge
	outA, outB, err := m.Merge(ctx, h, a, b)
	if err != nil {
		return err
	}

	// Step 4: Save the reconciled volumes
	m.log.Info().Msg("Step 4: Saving reconciled volumes...")
	start = time.Now()
	opts := volumeio.WriteOptions{Compress: m.params.Compress}
	if err := volumeio.WriteFile(m.params.OutputA, outA, opts); err != nil {
		return fmt.Errorf("failed to save volume: %w", err)
	}
	if err := volumeio.WriteFile(m.params.OutputB, outB, opts); err != nil {
		return fmt.Errorf("failed to save volume: %w", err)
	}
	m.metrics.Step("save", start)

	// Step 5: Audit trail
	if m.params.SaveAudit {
		m.log.Info().Str("dir", m.params.AuditDir).Msg("Step 5: Writing audit trail...")
		if err := m.WriteAudit(m.params.AuditDir); err != nil {
			return fmt.Errorf("failed to write audit trail: %w", err)
		}
		if m.params.SavePreviews {
			vols := map[string]*models.LabelVolume{
				"a_before": a, "b_before": b, "a_after": outA, "b_after": outB,
			}
			if err := m.WritePreviews(m.params.AuditDir, h, vols); err != nil {
				return fmt.Errorf("failed to write previews: %w", err)
			}
		}
	}
	return nil
}

// Merge reconciles two in-memory volumes. The inputs are left untouched.
func (m *Merger) Merge(ctx context.Context, h *hierarchy.Hierarchy, a, b *models.LabelVolume) (*models.LabelVolume, *models.LabelVolume, error) {
	if err := a.SameShape(b); err != nil {
		return nil, nil, err
	}

	started := time.Now()
	m.report = Report{
		RunID:   m.runID,
		Mode:    string(m.params.Mode),
		Started: started.UTC(),
		Shape:   [3]int{a.Width, a.Height, a.Depth},
	}
	m.tables = nil
	m.log.Info().
		Ints("shape", m.report.Shape[:]).
		Msgf("Step 3: Merging %s voxels per volume", humanize.Comma(int64(a.Len())))

	rec := reconcile.New(h, reconcile.Options{
		Sentinels:      m.params.Sentinels,
		MaxIterations:  m.params.MaxIterations,
		ExtraOverrides: m.params.ExtraOverrides,
	})

	var outA, outB *models.LabelVolume
	var err error
	switch m.params.Mode {
	case Coarse:
		outA, outB, err = m.coarse(ctx, rec, a, b)
	case Fine:
		outA, outB, err = m.fine(ctx, h, rec, a, b)
	default:
		err = fmt.Errorf("unknown merge mode %q", m.params.Mode)
	}
	if err != nil {
		return nil, nil, err
	}

	m.report.VoxelsChanged = [2]int{countChanged(a, outA), countChanged(b, outB)}
	m.metrics.VoxelsChanged("A", m.report.VoxelsChanged[0])
	m.metrics.VoxelsChanged("B", m.report.VoxelsChanged[1])
	m.report.IDsAfter = [2]int{len(outA.Unique()), len(outB.Unique())}
	m.report.Duration = time.Since(started).Round(time.Millisecond).String()
	m.log.Info().
		Int("ids_a", m.report.IDsAfter[0]).
		Int("ids_b", m.report.IDsAfter[1]).
		Str("voxels_changed_a", humanize.Comma(int64(m.report.VoxelsChanged[0]))).
		Str("voxels_changed_b", humanize.Comma(int64(m.report.VoxelsChanged[1]))).
		Str("duration", m.report.Duration).
		Msg("Merge complete")
	return outA, outB, nil
}

func (m *Merger) coarse(ctx context.Context, rec *reconcile.Reconciler, a, b *models.LabelVolume) (*models.LabelVolume, *models.LabelVolume, error) {
	uA, uB, err := m.uniques(ctx, a, b)
	if err != nil {
		return nil, nil, err
	}
	m.report.IDsBefore = [2]int{len(uA), len(uB)}

	start := time.Now()
	res, err := rec.Coarse(uA, uB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reconcile region ids: %w", err)
	}
	m.observe("coarse", res, start)

	return m.apply(ctx, res, a, b)
}

func (m *Merger) fine(ctx context.Context, h *hierarchy.Hierarchy, rec *reconcile.Reconciler, a, b *models.LabelVolume) (*models.LabelVolume, *models.LabelVolume, error) {
	uA, uB, err := m.uniques(ctx, a, b)
	if err != nil {
		return nil, nil, err
	}
	m.report.IDsBefore = [2]int{len(uA), len(uB)}
	closures := reconcile.ComputeClosures(h, uA, uB)

	start := time.Now()
	res, err := rec.FineSetLevel(uA, uB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reconcile region ids: %w", err)
	}
	m.observe("fine set level", res, start)

	ca, cb, err := m.apply(ctx, res, a, b)
	if err != nil {
		return nil, nil, err
	}

	m.log.Info().Msg("Correcting annotation edges...")
	start = time.Now()
	corrector := edgecorrect.New(h, edgecorrect.Options{Workers: m.params.NumCores})
	stats, err := corrector.Apply(ctx, [2]*models.LabelVolume{ca, cb}, edgecorrect.CCFPlan(m.params.EdgeBudget), closures[reconcile.A])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to correct edges: %w", err)
	}
	m.metrics.Step("edge correction", start)
	m.metrics.EdgeCorrection(stats)
	m.report.setEdgeStats(stats)

	uA, uB, err = m.uniques(ctx, ca, cb)
	if err != nil {
		return nil, nil, err
	}
	start = time.Now()
	res, err = rec.FineFinalize(uA, uB, closures)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reconcile corrected region ids: %w", err)
	}
	m.observe("fine finalize", res, start)

	return m.apply(ctx, res, ca, cb)
}

func (m *Merger) uniques(ctx context.Context, a, b *models.LabelVolume) ([]uint32, []uint32, error) {
	var uA, uB []uint32
	var g errgroup.Group
	g.Go(func() error {
		uA = a.Unique()
		return nil
	})
	g.Go(func() error {
		uB = b.Unique()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return uA, uB, ctx.Err()
}

func (m *Merger) observe(step string, res *reconcile.Result, start time.Time) {
	m.metrics.Step(step, start)
	m.metrics.Reconcile(step, res)
	m.report.Passes = append(m.report.Passes, res.Passes...)
	m.report.Changes += len(res.Changes)
	m.tables = append(m.tables, newTableAudit(step, res))
}

// apply remaps both volumes with the tables of res.
func (m *Merger) apply(ctx context.Context, res *reconcile.Result, a, b *models.LabelVolume) (*models.LabelVolume, *models.LabelVolume, error) {
	m.log.Info().Msg("Applying replacements...")
	start := time.Now()
	opts := remap.Options{Workers: m.params.NumCores}
	outA, err := remap.Remap(ctx, a, res.A, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to remap volume A: %w", err)
	}
	outB, err := remap.Remap(ctx, b, res.B, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to remap volume B: %w", err)
	}
	m.metrics.Step("remap", start)
	return outA, outB, nil
}

func countChanged(before, after *models.LabelVolume) int {
	n := 0
	for i, v := range before.Data {
		if after.Data[i] != v {
			n++
		}
	}
	return n
}

// ensureDir creates dir when missing.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
