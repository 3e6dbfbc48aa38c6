package models

import (
	"fmt"
	"strings"
)

// Axis names one of the three volume axes.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ParseAxis accepts x, y or z in either case.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToLower(s)); a {
	case AxisX, AxisY, AxisZ:
		return a, nil
	}
	return "", fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
}

// LabelSlice is a single 2D plane cut from a label volume
type LabelSlice struct {
	// Axis is the axis the plane is perpendicular to
	Axis Axis

	// Position is the index of the plane along Axis
	Position int

	// Width and Height are the extents of the plane. For x slices the plane
	// spans (z, y), for y slices (x, z) and for z slices (x, y).
	Width  int
	Height int

	// Labels holds the plane row by row
	Labels []uint32
}

// At returns the label at plane coordinates (u, v).
func (s *LabelSlice) At(u, v int) uint32 {
	return s.Labels[v*s.Width+u]
}

// Extent returns the number of planes along axis.
func (v *LabelVolume) Extent(axis Axis) int {
	switch axis {
	case AxisX:
		return v.Width
	case AxisY:
		return v.Height
	case AxisZ:
		return v.Depth
	}
	return 0
}

// Slice copies the plane at position along axis.
func (v *LabelVolume) Slice(axis Axis, position int) (*LabelSlice, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if n := v.Extent(axis); n == 0 {
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	} else if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, n)
	}

	s := &LabelSlice{Axis: axis, Position: position}
	switch axis {
	case AxisX:
		s.Width, s.Height = v.Depth, v.Height
		s.Labels = make([]uint32, s.Width*s.Height)
		for y := 0; y < v.Height; y++ {
			for z := 0; z < v.Depth; z++ {
				s.Labels[y*s.Width+z] = v.At(position, y, z)
			}
		}
	case AxisY:
		s.Width, s.Height = v.Width, v.Depth
		s.Labels = make([]uint32, s.Width*s.Height)
		for z := 0; z < v.Depth; z++ {
			for x := 0; x < v.Width; x++ {
				s.Labels[z*s.Width+x] = v.At(x, position, z)
			}
		}
	case AxisZ:
		s.Width, s.Height = v.Width, v.Height
		plane := v.Width * v.Height
		s.Labels = append([]uint32(nil), v.Data[position*plane:(position+1)*plane]...)
	}
	return s, nil
}
