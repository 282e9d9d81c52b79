package biasfield

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"brainprep/internal/models"
	"brainprep/internal/testsupport"
	"brainprep/pkg/errs"
	"brainprep/pkg/logging"
)

// phantomBrain returns a skull-stripped phantom using its ground-truth labels.
func phantomBrain(opts testsupport.PhantomOptions) (*models.Volume, []int) {
	p := testsupport.NewPhantom(opts)
	brain := p.Volume.Clone()
	for i, l := range p.Labels {
		if l < 0 {
			brain.Data[i] = 0
		}
	}
	return brain, p.Labels
}

func tissueValues(vol *models.Volume, labels []int, t models.Tissue) []float64 {
	var out []float64
	for i, l := range labels {
		if l == int(t) {
			out = append(out, vol.Data[i])
		}
	}
	return out
}

func coefficientOfVariation(x []float64) float64 {
	mean, std := stat.MeanStdDev(x, nil)
	return std / mean
}

func TestAxisAdaptorRoundTrip(t *testing.T) {
	vol := models.NewVolume(4, 3, 2, models.Spacing{X: 1, Y: 2, Z: 3})
	for i := range vol.Data {
		vol.Data[i] = float64(i*7%11) + 0.25
	}

	img, err := ToCorrector(vol)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 3, 4}, img.Size)
	assert.Equal(t, [3]float64{3, 2, 1}, img.Spacing)
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				require.Equal(t, vol.At(x, y, z), img.At(z, y, x))
			}
		}
	}

	back, err := FromCorrector(img, vol)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, back.Data)
	assert.Equal(t, vol.VoxelSize, back.VoxelSize)
	assert.Equal(t, vol.Affine, back.Affine)
}

func TestFromCorrectorRejectsWrongSize(t *testing.T) {
	vol := models.NewVolume(4, 3, 2, models.Spacing{X: 1, Y: 1, Z: 1})
	img := NewImage([3]int{4, 3, 2}, [3]float64{1, 1, 1})
	_, err := FromCorrector(img, vol)
	assert.Error(t, err)
}

func TestMonomialBasesNest(t *testing.T) {
	assert.Len(t, monomials(1), 4)
	assert.Len(t, monomials(2), 10)
	assert.Len(t, monomials(4), 35)

	low, high := monomials(2), monomials(3)
	assert.Equal(t, low, high[:len(low)])
	for _, m := range high {
		assert.LessOrEqual(t, m[0]+m[1]+m[2], 3)
	}
}

func TestSharpenPullsTowardPeaks(t *testing.T) {
	var values []float64
	for i := 0; i < 500; i++ {
		off := float64(i%21-10) * 0.004
		values = append(values, 3.0+off, 4.0+off)
	}

	sharp := sharpen(values, DefaultOptions())
	require.Len(t, sharp, len(values))
	var spreadBefore, spreadAfter float64
	for i, v := range values {
		center := 3.0
		if v > 3.5 {
			center = 4.0
		}
		require.Less(t, math.Abs(sharp[i]-center), 0.06)
		spreadBefore += math.Abs(v - center)
		spreadAfter += math.Abs(sharp[i] - center)
	}
	assert.LessOrEqual(t, spreadAfter, spreadBefore+1e-3)

	flat := sharpen([]float64{2, 2, 2}, DefaultOptions())
	assert.Equal(t, []float64{2, 2, 2}, flat)
}

func TestCorrectPreservesUnbiasedPhantom(t *testing.T) {
	brain, labels := phantomBrain(testsupport.DefaultPhantom())
	img, err := ToCorrector(brain)
	require.NoError(t, err)

	out, err := Correct(img, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, img.Size, out.Size)

	corrected, err := FromCorrector(out, brain)
	require.NoError(t, err)
	csf := stat.Mean(tissueValues(corrected, labels, models.CSF), nil)
	gm := stat.Mean(tissueValues(corrected, labels, models.GrayMatter), nil)
	wm := stat.Mean(tissueValues(corrected, labels, models.WhiteMatter), nil)
	assert.Less(t, csf, gm)
	assert.Less(t, gm, wm)

	for i, v := range brain.Data {
		if v == 0 {
			require.Zero(t, corrected.Data[i])
		}
	}
}

func TestCorrectReducesLinearBias(t *testing.T) {
	opts := testsupport.DefaultPhantom()
	opts.BiasAmplitude = 0.15
	brain, labels := phantomBrain(opts)

	n := NewNormalizer(DefaultOptions(), logging.Discard())
	res, err := n.Correct(brain, t.TempDir())
	require.NoError(t, err)

	before := coefficientOfVariation(tissueValues(brain, labels, models.WhiteMatter))
	after := coefficientOfVariation(tissueValues(res.Corrected, labels, models.WhiteMatter))
	assert.Less(t, after, before)
}

func TestNormalizerOutputs(t *testing.T) {
	brain, labels := phantomBrain(testsupport.DefaultPhantom())
	nanIdx := -1
	for i, l := range labels {
		if l == int(models.WhiteMatter) {
			nanIdx = i
			break
		}
	}
	brain.Data[nanIdx] = math.NaN()

	dir := t.TempDir()
	n := NewNormalizer(DefaultOptions(), logging.Discard())
	res, err := n.Correct(brain, dir)
	require.NoError(t, err)

	assert.Equal(t, brain.Shape(), res.Corrected.Shape())
	assert.Equal(t, brain.Shape(), res.Field.Shape())
	assert.Zero(t, res.Corrected.Data[nanIdx])
	assert.Equal(t, 1.0, res.Field.Data[nanIdx])

	for i, v := range brain.Data {
		require.False(t, math.IsNaN(res.Corrected.Data[i]))
		require.False(t, math.IsInf(res.Field.Data[i], 0))
		if v == 0 {
			require.Equal(t, 1.0, res.Field.Data[i])
		}
		if v > 0 {
			require.GreaterOrEqual(t, res.Field.Data[i], 0.5)
			require.LessOrEqual(t, res.Field.Data[i], 2.0)
		}
	}
	assert.Greater(t, res.MeanBefore, 0.0)
	assert.Greater(t, res.MeanAfter, 0.0)
	testsupport.RequireFiles(t, dir, models.ArtifactCorrected, models.ArtifactBiasField)
}

func TestCorrectNeedsPositiveVoxels(t *testing.T) {
	img := NewImage([3]int{4, 4, 4}, [3]float64{1, 1, 1})
	img.Pix[0] = 5
	_, err := Correct(img, DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrUpstream)
}
