package models

import (
	"errors"
	"fmt"
	"slices"
)

// ErrShapeMismatch is returned when two volumes that must share a grid do not.
var ErrShapeMismatch = errors.New("volume shape mismatch")

// LabelVolume represents a 3D annotation volume where every voxel holds a
// region identifier.
type LabelVolume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	Data []uint32

	// Width is the extent of the volume along x in voxels
	Width int

	// Height is the extent of the volume along y in voxels
	Height int

	// Depth is the extent of the volume along z in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in micrometers
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewLabelVolume allocates a zero-filled (background) volume.
func NewLabelVolume(width, height, depth int) *LabelVolume {
	return &LabelVolume{
		Data:   make([]uint32, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Len is the number of voxels in the volume.
func (v *LabelVolume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates into an offset into Data.
func (v *LabelVolume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coords converts an offset into Data back into voxel coordinates.
func (v *LabelVolume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx - z*plane
	y = rem / v.Width
	x = rem - y*v.Width
	return x, y, z
}

// InBounds reports whether the coordinates fall inside the grid.
func (v *LabelVolume) InBounds(x, y, z int) bool {
	return x >= 0 && x < v.Width && y >= 0 && y < v.Height && z >= 0 && z < v.Depth
}

// At returns the label at the given coordinates.
func (v *LabelVolume) At(x, y, z int) uint32 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a label at the given coordinates.
func (v *LabelVolume) Set(x, y, z int, label uint32) {
	v.Data[v.Index(x, y, z)] = label
}

// Validate checks that the backing slice matches the declared dimensions.
func (v *LabelVolume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d voxels, dimensions %dx%dx%d require %d",
			len(v.Data), v.Width, v.Height, v.Depth, v.Len())
	}
	return nil
}

// SameShape returns an error wrapping ErrShapeMismatch when the grids differ.
func (v *LabelVolume) SameShape(other *LabelVolume) error {
	if v.Width != other.Width || v.Height != other.Height || v.Depth != other.Depth {
		return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrShapeMismatch,
			v.Width, v.Height, v.Depth, other.Width, other.Height, other.Depth)
	}
	return nil
}

// Clone returns a deep copy of the volume.
func (v *LabelVolume) Clone() *LabelVolume {
	c := *v
	c.Data = slices.Clone(v.Data)
	return &c
}

// Unique returns the sorted distinct labels present in the volume.
func (v *LabelVolume) Unique() []uint32 {
	return UniqueLabels(v.Data)
}

// UniqueLabels returns the sorted distinct values of data. Runs of equal
// labels are common in annotation volumes, so consecutive repeats skip the
// map lookup.
func UniqueLabels(data []uint32) []uint32 {
	seen := make(map[uint32]struct{})
	var last uint32
	for i, label := range data {
		if i > 0 && label == last {
			continue
		}
		seen[label] = struct{}{}
		last = label
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of voxels holding the given label.
func (v *LabelVolume) Count(label uint32) int {
	n := 0
	for _, l := range v.Data {
		if l == label {
			n++
		}
	}
	return n
}

// Offsets returns the Data offsets of every voxel holding the given label.
func (v *LabelVolume) Offsets(label uint32) []int {
	var out []int
	for i, l := range v.Data {
		if l == label {
			out = append(out, i)
		}
	}
	return out
}
