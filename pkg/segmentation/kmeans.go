package segmentation

import (
	"fmt"
	"math"
	"math/rand/v2"

	"brainprep/pkg/errs"
)

// KMeansOptions controls the clustering primitive.
type KMeansOptions struct {
	// Seed fixes the random stream; equal seeds give identical results
	Seed uint64

	// Restarts is the number of independent k-means++ initializations
	Restarts int

	// MaxIterations caps Lloyd iterations per restart
	MaxIterations int

	// Tolerance stops a restart once no center moves further than this
	Tolerance float64
}

// DefaultKMeansOptions returns the clustering parameters used by the pipeline.
func DefaultKMeansOptions() KMeansOptions {
	return KMeansOptions{Seed: 42, Restarts: 10, MaxIterations: 300, Tolerance: 1e-4}
}

// KMeans1D partitions scalar samples into k clusters. All restarts draw from
// a single PCG stream seeded by opts.Seed and run sequentially, and the run
// with the lowest inertia wins, so the result depends only on the input and
// the options.
func KMeans1D(samples []float64, k int, opts KMeansOptions) ([]int, []float64, error) {
	if k < 1 {
		return nil, nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(samples) < k {
		return nil, nil, errs.Wrap(errs.ErrEmptyInput, "cluster",
			fmt.Sprintf("%d samples cannot form %d clusters", len(samples), k), nil)
	}
	restarts := opts.Restarts
	if restarts < 1 {
		restarts = 1
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	var (
		bestLabels  []int
		bestCenters []float64
		bestInertia = math.Inf(1)
	)
	labels := make([]int, len(samples))
	for r := 0; r < restarts; r++ {
		centers := seedCenters(samples, k, rng)
		inertia := lloyd(samples, centers, labels, opts.MaxIterations, opts.Tolerance)
		if inertia < bestInertia {
			bestInertia = inertia
			bestLabels = append(bestLabels[:0], labels...)
			bestCenters = append(bestCenters[:0], centers...)
		}
	}
	return bestLabels, bestCenters, nil
}

// seedCenters picks initial centers with k-means++: each new center is drawn
// with probability proportional to its squared distance from the nearest
// center chosen so far.
func seedCenters(samples []float64, k int, rng *rand.Rand) []float64 {
	centers := make([]float64, 0, k)
	centers = append(centers, samples[rng.IntN(len(samples))])

	dist := make([]float64, len(samples))
	for i, s := range samples {
		d := s - centers[0]
		dist[i] = d * d
	}

	for len(centers) < k {
		var total float64
		for _, d := range dist {
			total += d
		}

		next := len(samples) - 1
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range dist {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.IntN(len(samples))
		}

		c := samples[next]
		centers = append(centers, c)
		for i, s := range samples {
			d := s - c
			if d*d < dist[i] {
				dist[i] = d * d
			}
		}
	}
	return centers
}

// lloyd refines centers in place, fills labels and returns the inertia.
func lloyd(samples, centers []float64, labels []int, maxIter int, tol float64) float64 {
	k := len(centers)
	sums := make([]float64, k)
	counts := make([]int, k)

	var inertia float64
	for iter := 0; ; iter++ {
		inertia = assign(samples, centers, labels)
		if iter >= maxIter {
			break
		}

		for c := range sums {
			sums[c], counts[c] = 0, 0
		}
		for i, s := range samples {
			sums[labels[i]] += s
			counts[labels[i]]++
		}

		shift := 0.0
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			next := sums[c] / float64(counts[c])
			shift = math.Max(shift, math.Abs(next-centers[c]))
			centers[c] = next
		}
		if shift <= tol {
			inertia = assign(samples, centers, labels)
			break
		}
	}
	return inertia
}

func assign(samples, centers []float64, labels []int) float64 {
	var inertia float64
	for i, s := range samples {
		best, bestDist := 0, math.Inf(1)
		for c, center := range centers {
			d := (s - center) * (s - center)
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return inertia
}
