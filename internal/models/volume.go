package models

import (
	"fmt"
)

// Spacing is the physical size of a voxel along each axis in mm.
type Spacing struct {
	X, Y, Z float64
}

// Volume represents a 3D scalar image together with its physical geometry.
// Shape and geometry never change once a volume is created; derived volumes
// are built with Derive so that geometry is carried through every stage.
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	// (idx = z*Width*Height + y*Width + x)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize Spacing

	// Affine maps voxel indices (i, j, k, 1) to world coordinates in mm
	Affine [4][4]float64
}

// NewVolume allocates a zero-filled volume with a diagonal affine built from
// the voxel size.
func NewVolume(width, height, depth int, spacing Spacing) *Volume {
	v := &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: spacing,
	}
	v.Affine[0][0] = spacing.X
	v.Affine[1][1] = spacing.Y
	v.Affine[2][2] = spacing.Z
	v.Affine[3][3] = 1
	return v
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Shape returns the voxel dimensions as (x, y, z).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coord is the inverse of Index.
func (v *Volume) Coord(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx - z*plane
	y = rem / v.Width
	x = rem - y*v.Width
	return x, y, z
}

// At returns the intensity at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// VoxelVolumeMM3 is the physical volume of one voxel in cubic millimeters.
func (v *Volume) VoxelVolumeMM3() float64 {
	return v.VoxelSize.X * v.VoxelSize.Y * v.VoxelSize.Z
}

// VoxelVolumeML is the physical volume of one voxel in milliliters.
func (v *Volume) VoxelVolumeML() float64 {
	return v.VoxelVolumeMM3() / 1000.0
}

// Validate checks that the data length agrees with the dimensions.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("volume is nil")
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume shape %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d voxels, shape %dx%dx%d needs %d",
			len(v.Data), v.Width, v.Height, v.Depth, v.Len())
	}
	return nil
}

// SameShape reports whether two volumes have identical voxel dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return o != nil && v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Derive returns a new volume with the same geometry and the given data.
// The data slice is used as-is; it must have exactly Len() elements.
func (v *Volume) Derive(data []float64) *Volume {
	if len(data) != v.Len() {
		panic(fmt.Sprintf("models: derive with %d voxels, want %d", len(data), v.Len()))
	}
	return &Volume{
		Data:      data,
		Width:     v.Width,
		Height:    v.Height,
		Depth:     v.Depth,
		VoxelSize: v.VoxelSize,
		Affine:    v.Affine,
	}
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return v.Derive(data)
}

// PositiveMean returns the mean intensity over strictly positive voxels and
// how many voxels contributed. Zero-valued background is excluded.
func (v *Volume) PositiveMean() (float64, int) {
	var sum float64
	n := 0
	for _, val := range v.Data {
		if val > 0 {
			sum += val
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
