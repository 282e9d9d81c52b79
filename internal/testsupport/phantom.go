// Package testsupport builds deterministic synthetic head volumes and
// dataset layouts for tests, so no test needs network access or real scans.
package testsupport

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"brainprep/internal/models"
	"brainprep/pkg/nifti"
)

// Phantom voxel labels. Tissue labels reuse models.Tissue values.
const (
	LabelBackground = -1
	LabelSkull      = -2
	LabelScalp      = -3
	LabelOuterCSF   = -4
)

// Nominal T1 intensities of the phantom's compartments.
const (
	IntensityCSF   = 30.0
	IntensityGM    = 65.0
	IntensityWM    = 100.0
	IntensitySkull = 5.0
	IntensityScalp = 80.0
)

// PhantomOptions controls phantom generation.
type PhantomOptions struct {
	// Size is the edge length of the cubic grid in voxels
	Size int

	// Spacing is the voxel size in mm
	Spacing models.Spacing

	// Seed drives the noise generator
	Seed uint64

	// Noise is the standard deviation of additive Gaussian noise
	Noise float64

	// BiasAmplitude adds a multiplicative linear field 1 ± BiasAmplitude along x
	BiasAmplitude float64
}

// DefaultPhantom is a 40^3 head whose brain covers roughly 37% of the grid
// and measures about 1.2 liters.
func DefaultPhantom() PhantomOptions {
	return PhantomOptions{
		Size:    40,
		Spacing: models.Spacing{X: 3.5, Y: 3.5, Z: 4.0},
		Seed:    1,
		Noise:   2.0,
	}
}

// Phantom is a generated head volume and its ground-truth labels.
type Phantom struct {
	Volume *models.Volume
	Labels []int
}

// Radii (in voxels) of the concentric compartments.
const (
	radiusVentricle = 6.0
	radiusWM        = 13.0
	radiusGM        = 18.0
	radiusOuterCSF  = 19.0
	radiusSkull     = 21.0
	radiusScalp     = 23.0
)

// NewPhantom builds a spherical head: ventricles, white matter, gray matter,
// a thin CSF rim, dark skull and bright scalp, clipped by the field of view.
func NewPhantom(opts PhantomOptions) *Phantom {
	n := opts.Size
	vol := models.NewVolume(n, n, n, opts.Spacing)
	// world origin at the grid center
	c := float64(n-1) / 2
	vol.Affine[0][3] = -c * opts.Spacing.X
	vol.Affine[1][3] = -c * opts.Spacing.Y
	vol.Affine[2][3] = -c * opts.Spacing.Z

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	labels := make([]int, vol.Len())

	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				r := math.Sqrt(dx*dx + dy*dy + dz*dz)

				var label int
				var value float64
				switch {
				case r <= radiusVentricle:
					label, value = int(models.CSF), IntensityCSF
				case r <= radiusWM:
					label, value = int(models.WhiteMatter), IntensityWM
				case r <= radiusGM:
					label, value = int(models.GrayMatter), IntensityGM
				case r <= radiusOuterCSF:
					label, value = LabelOuterCSF, IntensityCSF
				case r <= radiusSkull:
					label, value = LabelSkull, IntensitySkull
				case r <= radiusScalp:
					label, value = LabelScalp, IntensityScalp
				default:
					label, value = LabelBackground, 0
				}

				if label == LabelBackground {
					value = math.Abs(rng.NormFloat64()) * opts.Noise / 2
				} else {
					value += rng.NormFloat64() * opts.Noise
					if opts.BiasAmplitude != 0 {
						value *= 1 + opts.BiasAmplitude*dx/c
					}
				}

				idx := vol.Index(x, y, z)
				vol.Data[idx] = math.Max(0, value)
				labels[idx] = label
			}
		}
	}
	return &Phantom{Volume: vol, Labels: labels}
}

// Count returns how many voxels carry label.
func (p *Phantom) Count(label int) int {
	n := 0
	for _, l := range p.Labels {
		if l == label {
			n++
		}
	}
	return n
}

// WriteDataset lays out one phantom per subject directory under root as
// <root>/<subject>/<anatFile>, varying the seed per subject.
func WriteDataset(t testing.TB, root string, subjects []string, anatFile string) {
	t.Helper()
	for i, subject := range subjects {
		opts := DefaultPhantom()
		opts.Seed = uint64(i + 1)
		p := NewPhantom(opts)
		path := filepath.Join(root, subject, anatFile)
		if err := nifti.WriteFile(path, p.Volume, nifti.DTFloat32); err != nil {
			t.Fatalf("write phantom %s: %v", path, err)
		}
	}
}

// RequireFiles fails the test unless every name exists under dir.
func RequireFiles(t testing.TB, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
}
