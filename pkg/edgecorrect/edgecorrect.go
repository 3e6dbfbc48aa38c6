// Package edgecorrect resolves leftover boundary disagreement in a label
// volume. Every voxel still carrying a coarse "seed" label is relabelled
// with the nearest label of the seed's own subtree, found by a bounded
// breadth-first search over the 6-connected voxel grid.
package edgecorrect

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/reconcile"
)

// Unlimited lets a search run until the grid is exhausted.
const Unlimited = -1

// batchSize is the number of seed voxels handled per worker task.
const batchSize = 4096

// Neighbour order: -x, -y, +x, +y, -z, +z. The first qualifying voxel in
// BFS order wins, so the order is part of the result.
var deltas = [6][3]int{
	{-1, 0, 0},
	{0, -1, 0},
	{1, 0, 0},
	{0, 1, 0},
	{0, 0, -1},
	{0, 0, 1},
}

// Options configures a Corrector.
type Options struct {
	// Workers bounds the number of goroutines; zero means runtime.NumCPU().
	Workers int
}

// Stats reports what one seed correction did.
type Stats struct {
	Region    uint32 `yaml:"region"`
	Target    string `yaml:"target"`
	Budget    int    `yaml:"budget"`
	Voxels    int    `yaml:"voxels"`
	Corrected int    `yaml:"corrected"`
}

// Fraction returns the share of seed voxels that received a new label.
func (s Stats) Fraction() float64 {
	if s.Voxels == 0 {
		return 0
	}
	return float64(s.Corrected) / float64(s.Voxels)
}

// Seed is one entry of a correction plan.
type Seed struct {
	Region uint32         `yaml:"region"`
	Budget int            `yaml:"budget"`
	Target reconcile.Side `yaml:"target"`
}

// Plan is an ordered list of seeds. Seeds run sequentially, so later
// seeds see the corrections of earlier ones.
type Plan []Seed

// CCFPlan returns the edge-correction plan of the fine CCF merge. budget
// applies to the bounded seeds; the striatum-like seeds are unlimited.
func CCFPlan(budget int) Plan {
	return Plan{
		// Striatum
		{Region: 278, Budget: Unlimited, Target: reconcile.A},
		// Hypothalamus and Striatum ventral region
		{Region: 803, Budget: Unlimited, Target: reconcile.B},
		{Region: 477, Budget: Unlimited, Target: reconcile.B},
		// Cerebral cortex, root and Basic cell groups and regions
		{Region: 688, Budget: budget, Target: reconcile.A},
		{Region: 8, Budget: budget, Target: reconcile.A},
		{Region: 997, Budget: budget, Target: reconcile.A},
		// Hippocampal formation and Cortical subplate
		{Region: 1089, Budget: budget, Target: reconcile.B},
		{Region: 703, Budget: budget, Target: reconcile.B},
	}
}

// Corrector runs edge corrections against a hierarchy.
type Corrector struct {
	h       *hierarchy.Hierarchy
	workers int
}

// New creates a Corrector.
func New(h *hierarchy.Hierarchy, opts Options) *Corrector {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Corrector{h: h, workers: workers}
}

// Correct relabels, in place, every voxel of vol equal to seed.
//
// The labels that may replace seed are seed itself and its filtered
// descendants under allowed; every other voxel is masked. Masked voxels
// are traversed but never chosen. Each search dequeues at most budget
// voxels (Unlimited for no bound) and leaves the voxel at seed when no
// candidate is found. All searches read the volume as it was on entry.
func (c *Corrector) Correct(ctx context.Context, vol *models.LabelVolume, seed uint32, budget int, allowed hierarchy.IDSet) (Stats, error) {
	stats := Stats{Region: seed, Budget: budget}
	if err := vol.Validate(); err != nil {
		return stats, err
	}

	keep := c.h.FilteredDescendants(seed, allowed)
	keep.Add(seed)

	positions := vol.Offsets(seed)
	stats.Voxels = len(positions)
	logging.Info().
		Uint32("region", seed).
		Int("budget", budget).
		Int("keep", len(keep)).
		Msgf("Exploring %s voxels", humanize.Comma(int64(len(positions))))
	if len(positions) == 0 {
		return stats, nil
	}

	results := make([]uint32, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for start := 0; start < len(positions); start += batchSize {
		end := min(start+batchSize, len(positions))
		g.Go(func() error {
			s := newSearcher(vol, keep)
			for i := start; i < end; i++ {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				results[i] = s.explore(positions[i], budget)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("edge correction of region %d: %w", seed, err)
	}

	for i, pos := range positions {
		if results[i] != seed {
			vol.Data[pos] = results[i]
			stats.Corrected++
		}
	}
	logging.Debug().
		Uint32("region", seed).
		Int("corrected", stats.Corrected).
		Msg("Edge correction done")
	return stats, nil
}

// Apply runs plan against the two volumes, indexed by reconcile.Side.
func (c *Corrector) Apply(ctx context.Context, vols [2]*models.LabelVolume, plan Plan, allowed hierarchy.IDSet) ([]Stats, error) {
	out := make([]Stats, 0, len(plan))
	for _, s := range plan {
		vol := vols[s.Target]
		if vol == nil {
			return out, fmt.Errorf("no volume for side %s (region %d)", s.Target, s.Region)
		}
		st, err := c.Correct(ctx, vol, s.Region, s.Budget, allowed)
		if err != nil {
			return out, err
		}
		st.Target = s.Target.String()
		out = append(out, st)
	}
	return out, nil
}

// searcher holds the per-goroutine BFS scratch space.
type searcher struct {
	vol   *models.LabelVolume
	keep  hierarchy.IDSet
	seen  map[int]struct{}
	queue []int
}

// seenReuseLimit is the largest visited set that is cleared for reuse.
// Clearing costs time in proportion to the map's capacity, which never
// shrinks, so larger sets are dropped instead.
const seenReuseLimit = 1 << 12

func newSearcher(vol *models.LabelVolume, keep hierarchy.IDSet) *searcher {
	return &searcher{vol: vol, keep: keep, seen: make(map[int]struct{})}
}

// reset empties the scratch space for the next search.
func (s *searcher) reset() {
	if len(s.seen) > seenReuseLimit {
		s.seen = make(map[int]struct{})
	} else {
		clear(s.seen)
	}
	if cap(s.queue) > seenReuseLimit {
		s.queue = nil
	}
	s.queue = s.queue[:0]
}

// explore returns the label of the first voxel in BFS order from start
// that differs from the start label and is not masked.
func (s *searcher) explore(start int, budget int) uint32 {
	data := s.vol.Data
	startValue := data[start]

	s.reset()
	s.queue = append(s.queue, start)
	s.seen[start] = struct{}{}

	for head := 0; head < len(s.queue) && budget != 0; head++ {
		pos := s.queue[head]
		if v := data[pos]; v != startValue && s.keep.Has(v) {
			return v
		}
		x, y, z := s.vol.Coords(pos)
		for _, d := range deltas {
			nx, ny, nz := x+d[0], y+d[1], z+d[2]
			if !s.vol.InBounds(nx, ny, nz) {
				continue
			}
			n := s.vol.Index(nx, ny, nz)
			if _, ok := s.seen[n]; ok {
				continue
			}
			s.seen[n] = struct{}{}
			s.queue = append(s.queue, n)
		}
		budget--
	}
	return startValue
}
