package biasfield

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// monomial holds the exponents of one term, in CorrectorAxes order.
type monomial [3]int

// monomials lists every term of total degree <= degree.
func monomials(degree int) []monomial {
	var out []monomial
	for d := 0; d <= degree; d++ {
		for a := d; a >= 0; a-- {
			for b := d - a; b >= 0; b-- {
				out = append(out, monomial{a, b, d - a - b})
			}
		}
	}
	return out
}

func (m monomial) eval(u [3]float64) float64 {
	return ipow(u[0], m[0]) * ipow(u[1], m[1]) * ipow(u[2], m[2])
}

func ipow(x float64, n int) float64 {
	r := 1.0
	for ; n > 0; n-- {
		r *= x
	}
	return r
}

// polynomial accumulates coefficients over a growing monomial basis. Each
// basis produced by monomials is a prefix of the next higher degree.
type polynomial struct {
	terms []monomial
	coef  []float64
}

func (p *polynomial) add(basis []monomial, coef []float64) {
	if len(basis) > len(p.terms) {
		p.terms = basis
		p.coef = append(p.coef, make([]float64, len(basis)-len(p.coef))...)
	}
	for i := range basis {
		p.coef[i] += coef[i]
	}
}

func (p *polynomial) eval(u [3]float64) float64 {
	var s float64
	for i, m := range p.terms {
		s += p.coef[i] * m.eval(u)
	}
	return s
}

// coordinates maps image indices to normalized physical positions in [-1, 1].
type coordinates struct {
	size   [3]int
	center [3]float64
	half   [3]float64
	space  [3]float64
}

func newCoordinates(img *Image) coordinates {
	c := coordinates{size: img.Size, space: img.Spacing}
	for k := 0; k < 3; k++ {
		sp := img.Spacing[k]
		if sp <= 0 {
			sp = 1
		}
		c.space[k] = sp
		c.center[k] = float64(img.Size[k]-1) * sp / 2
		c.half[k] = math.Max(c.center[k], 1e-6)
	}
	return c
}

func (c coordinates) at(idx int) [3]float64 {
	k := idx % c.size[2]
	rest := idx / c.size[2]
	j := rest % c.size[1]
	i := rest / c.size[1]
	pos := [3]int{i, j, k}
	var u [3]float64
	for a := 0; a < 3; a++ {
		u[a] = (float64(pos[a])*c.space[a] - c.center[a]) / c.half[a]
	}
	return u
}

// samples returns the flat indices of positive voxels on the shrunk grid,
// thinned to at most maxSamples.
func (c coordinates) samples(img *Image, shrink, maxSamples int) []int {
	if shrink < 1 {
		shrink = 1
	}
	var idx []int
	for i := 0; i < c.size[0]; i += shrink {
		for j := 0; j < c.size[1]; j += shrink {
			for k := 0; k < c.size[2]; k += shrink {
				n := img.Index(i, j, k)
				if v := img.Pix[n]; v > 0 && !math.IsInf(v, 0) {
					idx = append(idx, n)
				}
			}
		}
	}
	if maxSamples > 0 && len(idx) > maxSamples {
		stride := (len(idx) + maxSamples - 1) / maxSamples
		thin := idx[:0]
		for n := 0; n < len(idx); n += stride {
			thin = append(thin, idx[n])
		}
		idx = thin
	}
	return idx
}

// design builds the least-squares matrix with one row per sample.
func (c coordinates) design(samples []int, basis []monomial) *mat.Dense {
	a := mat.NewDense(len(samples), len(basis), nil)
	for r, idx := range samples {
		u := c.at(idx)
		for col, m := range basis {
			a.Set(r, col, m.eval(u))
		}
	}
	return a
}

// evaluate returns p at every voxel of the grid.
func (c coordinates) evaluate(p *polynomial) []float64 {
	n := c.size[0] * c.size[1] * c.size[2]
	out := make([]float64, n)
	for idx := range out {
		out[idx] = p.eval(c.at(idx))
	}
	return out
}
