package skullstrip

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
)

// Options controls the masking primitive.
type Options struct {
	// HistogramBins is the number of bins used to pick the Otsu threshold
	HistogramBins int

	// ErosionIterations is how many 6-neighbourhood erosions run before the
	// largest component is selected (and how many dilations restore it)
	ErosionIterations int
}

// DefaultOptions returns the masking parameters used by the pipeline.
func DefaultOptions() Options {
	return Options{HistogramBins: 256, ErosionIterations: 2}
}

// ComputeMask produces a binary brain mask: Otsu threshold, erosion to cut
// thin bridges to scalp, largest 6-connected component, dilation back to size,
// and hole filling from the volume border.
func ComputeMask(vol *models.Volume, opts Options) (models.Mask, error) {
	if err := vol.Validate(); err != nil {
		return nil, errs.Wrap(errs.ErrUpstream, "mask", "validate volume", err)
	}
	if opts.HistogramBins < 2 {
		return nil, errs.Wrap(errs.ErrUpstream, "mask", fmt.Sprintf("need at least 2 histogram bins, got %d", opts.HistogramBins), nil)
	}

	threshold, err := OtsuThreshold(vol.Data, opts.HistogramBins)
	if err != nil {
		return nil, err
	}

	g := grid{w: vol.Width, h: vol.Height, d: vol.Depth}
	mask := make(models.Mask, len(vol.Data))
	for i, v := range vol.Data {
		mask[i] = finite(v) && v > threshold
	}

	for i := 0; i < opts.ErosionIterations; i++ {
		mask = g.erode(mask)
	}

	mask = g.largestComponent(mask)
	if mask.Count() == 0 {
		return nil, errs.Wrap(errs.ErrUpstream, "mask", "no foreground component survived erosion", nil)
	}

	for i := 0; i < opts.ErosionIterations; i++ {
		mask = g.dilate(mask)
	}

	// hole filling may enclose voxels that carry no usable intensity
	mask = g.fillHoles(mask)
	for i, v := range vol.Data {
		if mask[i] && !finite(v) {
			mask[i] = false
		}
	}
	return mask, nil
}

// OtsuThreshold returns the intensity that maximises the between-class
// variance of a histogram over the finite values of data.
func OtsuThreshold(data []float64, bins int) (float64, error) {
	if bins < 2 {
		return 0, errs.Wrap(errs.ErrUpstream, "mask", fmt.Sprintf("need at least 2 histogram bins, got %d", bins), nil)
	}
	samples := make([]float64, 0, len(data))
	for _, v := range data {
		if finite(v) {
			samples = append(samples, v)
		}
	}
	if len(samples) == 0 {
		return 0, errs.Wrap(errs.ErrUpstream, "mask", "otsu threshold of data with no finite values", nil)
	}
	data = samples
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0, errs.Wrap(errs.ErrUpstream, "mask", "volume has no intensity contrast", nil)
	}

	width := (hi - lo) / float64(bins)
	hist := make([]float64, bins)
	for _, v := range data {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	total := float64(len(data))
	var sumAll float64
	for b, count := range hist {
		sumAll += float64(b) * count
	}

	var (
		weight0, sum0 float64
		bestVar       = -1.0
		bestBin       int
	)
	for b := 0; b < bins-1; b++ {
		weight0 += hist[b]
		if weight0 == 0 {
			continue
		}
		weight1 := total - weight0
		if weight1 == 0 {
			break
		}
		sum0 += float64(b) * hist[b]
		mean0 := sum0 / weight0
		mean1 := (sumAll - sum0) / weight1
		between := weight0 * weight1 * (mean0 - mean1) * (mean0 - mean1)
		if between > bestVar {
			bestVar = between
			bestBin = b
		}
	}

	return lo + float64(bestBin+1)*width, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
