package biasfield

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"brainprep/pkg/errs"
)

// Options controls the corrector.
type Options struct {
	// Iterations caps the iterations of each fitting level; level l fits a
	// polynomial field of degree l+1
	Iterations []int

	// ConvergenceThreshold ends a level once the coefficient of variation of
	// the multiplicative field update falls below it
	ConvergenceThreshold float64

	// ShrinkFactor subsamples every axis while fitting
	ShrinkFactor int

	// HistogramBins is the log-intensity histogram resolution
	HistogramBins int

	// FWHM of the Gaussian assumed to blur the log-intensity histogram
	FWHM float64

	// WienerNoise regularizes the histogram deconvolution
	WienerNoise float64

	// MaxSamples caps the number of voxels entering each fit
	MaxSamples int
}

// DefaultOptions returns the standard four-level schedule.
func DefaultOptions() Options {
	return Options{
		Iterations:           []int{50, 50, 50, 50},
		ConvergenceThreshold: 0.001,
		ShrinkFactor:         2,
		HistogramBins:        200,
		FWHM:                 0.15,
		WienerNoise:          0.01,
		MaxSamples:           50000,
	}
}

const minSamples = 16

// Correct estimates a smooth multiplicative bias field over the strictly
// positive voxels of img and returns img divided by it. Non-positive voxels
// pass through unchanged.
func Correct(img *Image, opts Options) (*Image, error) {
	if len(img.Pix) != img.Size[0]*img.Size[1]*img.Size[2] || len(img.Pix) == 0 {
		return nil, errs.Wrap(errs.ErrUpstream, "bias", fmt.Sprintf("image of size %v holds %d voxels", img.Size, len(img.Pix)), nil)
	}
	if len(opts.Iterations) == 0 || opts.HistogramBins < 2 {
		return nil, errs.Wrap(errs.ErrUpstream, "bias", "empty iteration schedule or histogram", nil)
	}

	coords := newCoordinates(img)
	samples := coords.samples(img, opts.ShrinkFactor, opts.MaxSamples)
	if len(samples) < minSamples {
		return nil, errs.Wrap(errs.ErrUpstream, "bias", fmt.Sprintf("only %d positive voxels to fit", len(samples)), nil)
	}

	logI := make([]float64, len(samples))
	for i, idx := range samples {
		logI[i] = math.Log(img.Pix[idx])
	}

	total := &polynomial{}
	field := make([]float64, len(samples))
	resid := make([]float64, len(samples))
	update := make([]float64, len(samples))
	ratio := make([]float64, len(samples))

	for level, maxIter := range opts.Iterations {
		basis := monomials(level + 1)
		design := coords.design(samples, basis)
		if len(samples) <= len(basis) {
			return nil, errs.Wrap(errs.ErrUpstream, "bias", fmt.Sprintf("%d samples cannot fit %d terms", len(samples), len(basis)), nil)
		}
		var qr mat.QR
		qr.Factorize(design)

		for iter := 0; iter < maxIter; iter++ {
			for i := range logI {
				resid[i] = logI[i] - field[i]
			}
			sharp := sharpen(resid, opts)
			for i := range resid {
				resid[i] -= sharp[i]
			}

			var coef mat.VecDense
			if err := qr.SolveVecTo(&coef, false, mat.NewVecDense(len(resid), resid)); err != nil {
				return nil, errs.Wrap(errs.ErrUpstream, "bias", "least squares field fit", err)
			}
			mat.NewVecDense(len(update), update).MulVec(design, &coef)
			total.add(basis, coef.RawVector().Data)

			for i := range field {
				field[i] += update[i]
				ratio[i] = math.Exp(update[i])
			}
			mean, std := stat.MeanStdDev(ratio, nil)
			if mean > 0 && std/mean < opts.ConvergenceThreshold {
				break
			}
		}
	}

	// evaluate at full resolution, anchored to zero mean over the fitted voxels
	full := coords.evaluate(total)
	offset := 0.0
	n := 0
	for i, v := range img.Pix {
		if v > 0 && !math.IsInf(v, 0) {
			offset += full[i]
			n++
		}
	}
	offset /= float64(n)

	out := NewImage(img.Size, img.Spacing)
	for i, v := range img.Pix {
		out.Pix[i] = v / math.Exp(full[i]-offset)
	}
	return out, nil
}

// sharpen maps each log intensity to its expected value under the
// deconvolved (sharpened) histogram.
func sharpen(values []float64, opts Options) []float64 {
	nb := opts.HistogramBins
	lo, hi := floats.Min(values), floats.Max(values)
	out := make([]float64, len(values))
	if hi-lo < 1e-12 {
		copy(out, values)
		return out
	}
	width := (hi - lo) / float64(nb-1)

	n := 1
	for n < 2*nb {
		n <<= 1
	}

	hist := make([]complex128, n)
	for _, v := range values {
		pos := (v - lo) / width
		b := int(pos)
		if b >= nb-1 {
			hist[nb-1] += 1
			continue
		}
		frac := pos - float64(b)
		hist[b] += complex(1-frac, 0)
		hist[b+1] += complex(frac, 0)
	}

	// Gaussian blur kernel in bin units, wrapped around zero
	sigma := opts.FWHM / width / (2 * math.Sqrt(2*math.Ln2))
	kernel := make([]complex128, n)
	var ksum float64
	for k := 0; k < n; k++ {
		d := float64(k)
		if k > n/2 {
			d = float64(k - n)
		}
		g := math.Exp(-0.5 * d * d / (sigma * sigma))
		kernel[k] = complex(g, 0)
		ksum += g
	}
	for k := range kernel {
		kernel[k] /= complex(ksum, 0)
	}

	fft := fourier.NewCmplxFFT(n)
	G := fft.Coefficients(nil, kernel)
	H := fft.Coefficients(nil, hist)

	// Wiener deconvolution
	U := make([]complex128, n)
	for k := range U {
		g := G[k]
		gg := real(g)*real(g) + imag(g)*imag(g)
		U[k] = H[k] * complex(real(g), -imag(g)) / complex(gg+opts.WienerNoise, 0)
	}
	u := fft.Sequence(nil, U)
	for k := range u {
		if k >= nb || real(u[k]) < 0 {
			u[k] = 0
		} else {
			u[k] = complex(real(u[k]), 0)
		}
	}

	// E[u | v] = (g * (x u)) / (g * u)
	xu := make([]complex128, n)
	for k := 0; k < nb; k++ {
		xu[k] = complex((lo+float64(k)*width)*real(u[k]), 0)
	}
	num := convolve(fft, xu, G)
	den := convolve(fft, u, G)

	mapping := make([]float64, nb)
	for k := range mapping {
		x := lo + float64(k)*width
		d := real(den[k])
		if d > 1e-12*float64(n) {
			mapping[k] = real(num[k]) / d
		} else {
			mapping[k] = x
		}
	}

	for i, v := range values {
		pos := (v - lo) / width
		b := int(pos)
		if b >= nb-1 {
			out[i] = mapping[nb-1]
			continue
		}
		frac := pos - float64(b)
		out[i] = mapping[b]*(1-frac) + mapping[b+1]*frac
	}
	return out
}

func convolve(fft *fourier.CmplxFFT, seq, kernelCoef []complex128) []complex128 {
	c := fft.Coefficients(nil, seq)
	for k := range c {
		c[k] *= kernelCoef[k]
	}
	return fft.Sequence(nil, c)
}
