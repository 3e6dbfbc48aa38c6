// Package remap rewrites every voxel of a label volume through an explicit
// id→id table.
//
// Tables are computed on the small set of unique ids of a volume and applied
// once at the end, so the cost of remapping is O(N log K) for N voxels and
// K unique ids.
package remap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"atlasmerge/internal/models"
)

// ErrContractViolation is wrapped by every error caused by a table that
// does not describe the volume it is applied to.
var ErrContractViolation = errors.New("remap contract violation")

// minChunk keeps tiny volumes from being split across many goroutines.
const minChunk = 1 << 16

// Table is an explicit total function from the ids of one volume to their
// replacements. From is sorted ascending; To is in the same order.
type Table struct {
	From []uint32 `yaml:"from"`
	To   []uint32 `yaml:"to"`
}

// Identity returns the table mapping each id to itself. ids must be sorted.
func Identity(ids []uint32) Table {
	return Table{From: slices.Clone(ids), To: slices.Clone(ids)}
}

// Lookup returns the replacement for id.
func (t Table) Lookup(id uint32) (uint32, bool) {
	i, ok := slices.BinarySearch(t.From, id)
	if !ok {
		return 0, false
	}
	return t.To[i], true
}

// Changed returns the from→to pairs that are not identity.
func (t Table) Changed() map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for i, from := range t.From {
		if t.To[i] != from {
			out[from] = t.To[i]
		}
	}
	return out
}

// Targets returns the sorted distinct values of To.
func (t Table) Targets() []uint32 {
	return models.UniqueLabels(t.To)
}

// Validate checks the internal consistency of the table.
func (t Table) Validate() error {
	if len(t.From) != len(t.To) {
		return fmt.Errorf("%w: table has %d source ids but %d targets",
			ErrContractViolation, len(t.From), len(t.To))
	}
	for i := 1; i < len(t.From); i++ {
		if t.From[i] <= t.From[i-1] {
			return fmt.Errorf("%w: source ids not strictly ascending at %d (%d after %d)",
				ErrContractViolation, i, t.From[i], t.From[i-1])
		}
	}
	return nil
}

// Options tunes the parallel remap.
type Options struct {
	// Workers bounds the number of goroutines; zero means runtime.NumCPU().
	Workers int
}

// Remap returns a new volume where every voxel value v is replaced by the
// entry of table.To matching v in table.From. table.From must equal the
// sorted unique values of vol; any mismatch is reported as an error wrapping
// ErrContractViolation and no volume is returned.
func Remap(ctx context.Context, vol *models.LabelVolume, table Table, opts Options) (*models.LabelVolume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	out := &models.LabelVolume{
		Data:      make([]uint32, len(vol.Data)),
		Width:     vol.Width,
		Height:    vol.Height,
		Depth:     vol.Depth,
		VoxelSize: vol.VoxelSize,
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (len(vol.Data) + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	// hit[i] is set once some voxel holds From[i]
	hit := make([]atomic.Bool, len(table.From))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(vol.Data); start += chunk {
		end := min(start+chunk, len(vol.Data))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, dst := vol.Data[start:end], out.Data[start:end]
			last, lastIdx := uint32(0), -1
			for i, v := range src {
				if lastIdx < 0 || v != last {
					idx, ok := slices.BinarySearch(table.From, v)
					if !ok {
						x, y, z := vol.Coords(start + i)
						return fmt.Errorf("%w: voxel (%d, %d, %d) holds id %d missing from the table",
							ErrContractViolation, x, y, z, v)
					}
					if !hit[idx].Load() {
						hit[idx].Store(true)
					}
					last, lastIdx = v, idx
				}
				dst[i] = table.To[lastIdx]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range hit {
		if !hit[i].Load() {
			return nil, fmt.Errorf("%w: table id %d does not occur in the volume",
				ErrContractViolation, table.From[i])
		}
	}
	return out, nil
}
