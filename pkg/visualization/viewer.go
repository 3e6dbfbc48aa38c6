// Package visualization renders planes of label volumes as colour images,
// using the region colours of the ontology.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"atlasmerge/internal/models"
)

// Viewer renders slices of a label volume.
type Viewer struct {
	vol    *models.LabelVolume
	colors map[uint32][3]uint8

	// Unknown is used for labels without a colour. Background is always black.
	Unknown color.RGBA
}

// NewViewer creates a viewer for vol. colors is usually
// hierarchy.ColorMap().
func NewViewer(vol *models.LabelVolume, colors map[uint32][3]uint8) *Viewer {
	return &Viewer{
		vol:     vol,
		colors:  colors,
		Unknown: color.RGBA{R: 255, G: 0, B: 255, A: 255},
	}
}

// Color returns the display colour of a label.
func (v *Viewer) Color(label uint32) color.RGBA {
	if label == 0 {
		return color.RGBA{A: 255}
	}
	rgb, ok := v.colors[label]
	if !ok {
		return v.Unknown
	}
	return color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
}

// ExtractSlice renders the plane at position along axis.
func (v *Viewer) ExtractSlice(axis models.Axis, position int) (*image.RGBA, error) {
	s, err := v.vol.Slice(axis, position)
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.SetRGBA(x, y, v.Color(s.At(x, y)))
		}
	}
	return img, nil
}

// SaveSlice saves a rendered slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMidSlices saves the central plane along each axis as
// <prefix>_<axis>.png in outputDir and returns the written paths.
func (v *Viewer) SaveMidSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []models.Axis{models.AxisX, models.AxisY, models.AxisZ} {
		img, err := v.ExtractSlice(axis, v.vol.Extent(axis)/2)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, fmt.Errorf("error saving %s slice: %w", axis, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
