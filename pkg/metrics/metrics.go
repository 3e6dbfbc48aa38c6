// Package metrics collects Prometheus counters for a merge run. The tool
// is a batch job, so metrics are dumped in the node-exporter textfile
// format at the end of a run instead of being served.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"atlasmerge/pkg/edgecorrect"
	"atlasmerge/pkg/reconcile"
)

const namespace = "atlasmerge"

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	// runs counts merge runs.
	// Labels: mode (coarse, fine), status (success, error)
	runs *prometheus.CounterVec

	// stepDuration measures pipeline steps.
	// Labels: step
	stepDuration *prometheus.HistogramVec

	// relabels counts effective id substitutions in the remap tables.
	// Labels: rules, stage, side
	relabels *prometheus.CounterVec

	// iterations counts convergence iterations.
	// Labels: direction
	iterations *prometheus.CounterVec

	// voxels counts voxels whose label changed when a table was applied.
	// Labels: side
	voxels *prometheus.CounterVec

	// edgeVoxels counts seed voxels visited by edge correction.
	// Labels: region, side, outcome (corrected, kept)
	edgeVoxels *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total merge runs",
		}, []string{"mode", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of merge pipeline steps in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		}, []string{"step"}),
		relabels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "relabels_total",
			Help:      "Total effective id substitutions",
		}, []string{"rules", "stage", "side"}),
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "convergence_iterations_total",
			Help:      "Total convergence loop iterations",
		}, []string{"direction"}),
		voxels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remap",
			Name:      "voxels_changed_total",
			Help:      "Total voxels relabelled by remap tables",
		}, []string{"side"}),
		edgeVoxels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edgecorrect",
			Name:      "voxels_total",
			Help:      "Total seed voxels explored by edge correction",
		}, []string{"region", "side", "outcome"}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Run records the outcome of a merge run.
func (m *Metrics) Run(mode string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(mode, status).Inc()
}

// Step records the duration of a pipeline step started at start.
func (m *Metrics) Step(step string, start time.Time) {
	m.stepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// Reconcile records the changes and iterations of a reconciliation.
func (m *Metrics) Reconcile(rules string, res *reconcile.Result) {
	for _, c := range res.Changes {
		m.relabels.WithLabelValues(rules, c.Stage, c.Side).Inc()
	}
	for _, p := range res.Passes {
		m.iterations.WithLabelValues(p.Direction).Add(float64(p.Iterations))
	}
}

// VoxelsChanged records the number of relabelled voxels of one side.
func (m *Metrics) VoxelsChanged(side string, n int) {
	m.voxels.WithLabelValues(side).Add(float64(n))
}

// EdgeCorrection records the result of an edge-correction plan.
func (m *Metrics) EdgeCorrection(stats []edgecorrect.Stats) {
	for _, s := range stats {
		region := strconv.FormatUint(uint64(s.Region), 10)
		m.edgeVoxels.WithLabelValues(region, s.Target, "corrected").Add(float64(s.Corrected))
		m.edgeVoxels.WithLabelValues(region, s.Target, "kept").Add(float64(s.Voxels - s.Corrected))
	}
}

// WriteTextfile dumps every metric to path in the textfile collector
// format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("error writing metrics file: %w", err)
	}
	return nil
}
