package biasfield

import (
	"fmt"

	"brainprep/internal/models"
)

// Axis names a physical image axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	return [...]string{"x", "y", "z"}[a]
}

// VolumeAxes is the index order of models.Volume coordinates: At(x, y, z).
var VolumeAxes = [3]Axis{AxisX, AxisY, AxisZ}

// CorrectorAxes is the index order of Image, slowest axis first. It is the
// reverse of VolumeAxes, so volumes must pass through ToCorrector and
// FromCorrector on the way in and out of the corrector.
var CorrectorAxes = [3]Axis{AxisZ, AxisY, AxisX}

// Image is the corrector's grid: a C-ordered array whose last index varies
// fastest. Size and Spacing are listed in CorrectorAxes order.
type Image struct {
	Size    [3]int
	Spacing [3]float64
	Pix     []float64
}

// NewImage allocates a zero image.
func NewImage(size [3]int, spacing [3]float64) *Image {
	return &Image{Size: size, Spacing: spacing, Pix: make([]float64, size[0]*size[1]*size[2])}
}

// Index returns the flat offset of (i, j, k).
func (img *Image) Index(i, j, k int) int {
	return (i*img.Size[1]+j)*img.Size[2] + k
}

// At returns the value at (i, j, k).
func (img *Image) At(i, j, k int) float64 {
	return img.Pix[img.Index(i, j, k)]
}

func volumeExtent(vol *models.Volume, a Axis) (int, float64) {
	switch a {
	case AxisX:
		return vol.Width, vol.VoxelSize.X
	case AxisY:
		return vol.Height, vol.VoxelSize.Y
	default:
		return vol.Depth, vol.VoxelSize.Z
	}
}

// ToCorrector permutes a volume into CorrectorAxes order.
func ToCorrector(vol *models.Volume) (*Image, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	var size [3]int
	var spacing [3]float64
	for k, a := range CorrectorAxes {
		size[k], spacing[k] = volumeExtent(vol, a)
	}
	img := NewImage(size, spacing)

	var c [3]int
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				pos := [3]int{AxisX: x, AxisY: y, AxisZ: z}
				for k, a := range CorrectorAxes {
					c[k] = pos[a]
				}
				img.Pix[img.Index(c[0], c[1], c[2])] = vol.Data[vol.Index(x, y, z)]
			}
		}
	}
	return img, nil
}

// FromCorrector permutes a corrector image back into a volume that shares
// ref's geometry.
func FromCorrector(img *Image, ref *models.Volume) (*models.Volume, error) {
	for k, a := range CorrectorAxes {
		n, _ := volumeExtent(ref, a)
		if img.Size[k] != n {
			return nil, fmt.Errorf("corrector image axis %s has %d voxels, volume has %d", a, img.Size[k], n)
		}
	}

	out := ref.Derive(make([]float64, ref.Len()))
	var c [3]int
	for z := 0; z < ref.Depth; z++ {
		for y := 0; y < ref.Height; y++ {
			for x := 0; x < ref.Width; x++ {
				pos := [3]int{AxisX: x, AxisY: y, AxisZ: z}
				for k, a := range CorrectorAxes {
					c[k] = pos[a]
				}
				out.Data[out.Index(x, y, z)] = img.Pix[img.Index(c[0], c[1], c[2])]
			}
		}
	}
	return out, nil
}
