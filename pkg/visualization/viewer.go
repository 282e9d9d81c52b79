package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"brainprep/internal/models"
)

// Viewer cuts windowed 2D slices out of a volume. Slices are oriented for
// display: superior is up in sagittal and coronal views, anterior is up in
// axial views.
type Viewer struct {
	volume *models.Volume

	// intensity window mapped to black..white
	low  float64
	high float64
}

// NewViewer creates a viewer whose window spans zero to the 99.5th percentile
// of the volume's positive intensities.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{volume: vol}
	v.low, v.high = autoWindow(vol)
	return v
}

// SetWindow overrides the display window.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// Window returns the display window.
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

func autoWindow(vol *models.Volume) (float64, float64) {
	var pos []float64
	for _, val := range vol.Data {
		if val > 0 && !math.IsInf(val, 0) {
			pos = append(pos, val)
		}
	}
	if len(pos) == 0 {
		return 0, 1
	}
	sort.Float64s(pos)
	high := stat.Quantile(0.995, stat.Empirical, pos, nil)
	if high <= 0 {
		high = pos[len(pos)-1]
	}
	return 0, high
}

// Plane samples the 2D plane at position along axis. Values are returned row
// by row with the display orientation applied.
func Plane(vol *models.Volume, axis string, position int) ([]float64, int, int, error) {
	if position < 0 {
		return nil, 0, 0, fmt.Errorf("position must be non-negative")
	}

	var w, h int
	var at func(col, row int) int
	switch axis {
	case "x", "X":
		// sagittal: y across, z up
		if position >= vol.Width {
			return nil, 0, 0, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		w, h = vol.Height, vol.Depth
		at = func(col, row int) int { return vol.Index(position, col, h-1-row) }
	case "y", "Y":
		// coronal: x across, z up
		if position >= vol.Height {
			return nil, 0, 0, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		w, h = vol.Width, vol.Depth
		at = func(col, row int) int { return vol.Index(col, position, h-1-row) }
	case "z", "Z":
		// axial: x across, y up
		if position >= vol.Depth {
			return nil, 0, 0, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		w, h = vol.Width, vol.Height
		at = func(col, row int) int { return vol.Index(col, h-1-row, position) }
	default:
		return nil, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	out := make([]float64, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			out[row*w+col] = vol.Data[at(col, row)]
		}
	}
	return out, w, h, nil
}

// PixelSpacing returns the physical size in mm of one slice pixel (across, up)
// for slices along axis.
func PixelSpacing(vol *models.Volume, axis string) (float64, float64) {
	s := vol.VoxelSize
	switch axis {
	case "x", "X":
		return s.Y, s.Z
	case "y", "Y":
		return s.X, s.Z
	default:
		return s.X, s.Y
	}
}

// Gray maps an intensity through the window.
func (v *Viewer) Gray(value float64) uint16 {
	if v.high <= v.low || math.IsNaN(value) {
		return 0
	}
	t := (value - v.low) / (v.high - v.low)
	return uint16(math.Max(0, math.Min(65535, t*65535)))
}

// ExtractSlice extracts a windowed 2D slice along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	vals, w, h, err := Plane(v.volume, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			img.SetGray16(col, row, color.Gray16{Y: v.Gray(vals[row*w+col])})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
