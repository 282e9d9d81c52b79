// Package segmentation classifies brain voxels into CSF, gray matter and
// white matter by intensity clustering.
package segmentation

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
	"brainprep/pkg/nifti"
)

// Result is the output of the classification stage.
type Result struct {
	// Maps holds one {0,1} map per tissue
	Maps models.TissueMaps

	// Counts is the number of voxels assigned to each tissue
	Counts [3]int

	// Volumes is the physical volume of each tissue in ml
	Volumes models.VolumeEstimate
}

// Classifier runs tissue classification and persists its artifacts.
type Classifier struct {
	Options KMeansOptions
	Log     logrus.FieldLogger
}

// NewClassifier creates a classifier with the given clustering options.
func NewClassifier(opts KMeansOptions, log logrus.FieldLogger) *Classifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Classifier{Options: opts, Log: log}
}

// Classify assigns every strictly positive voxel of corrected to exactly one
// tissue and writes csf_prob, gm_prob and wm_prob into outDir.
func (c *Classifier) Classify(corrected *models.Volume, outDir string) (*Result, error) {
	if err := corrected.Validate(); err != nil {
		return nil, errs.Wrap(errs.ErrUpstream, "segment", "validate volume", err)
	}

	var (
		positions []int
		raw       []float64
	)
	for i, v := range corrected.Data {
		if v > 0 {
			positions = append(positions, i)
			raw = append(raw, v)
		}
	}
	if len(raw) == 0 {
		return nil, errs.Wrap(errs.ErrEmptyInput, "segment", "volume has no positive voxels", nil)
	}
	if distinct(raw, 3) < 3 {
		return nil, errs.Wrap(errs.ErrEmptyInput, "segment", "fewer than three distinct intensities", nil)
	}

	lo, hi := floats.Min(raw), floats.Max(raw)
	norm := make([]float64, len(raw))
	for i, v := range raw {
		norm[i] = (v - lo) / (hi - lo)
	}

	labels, _, err := KMeans1D(norm, len(models.Tissues), c.Options)
	if err != nil {
		return nil, err
	}

	tissueOf := rankClusters(raw, labels, len(models.Tissues))

	res := &Result{}
	for _, t := range models.Tissues {
		res.Maps[t] = corrected.Derive(make([]float64, corrected.Len()))
	}
	for i, pos := range positions {
		t := tissueOf[labels[i]]
		res.Maps[t].Data[pos] = 1
		res.Counts[t]++
	}
	for _, t := range models.Tissues {
		res.Volumes[t] = float64(res.Counts[t]) * corrected.VoxelVolumeML()
	}

	c.Log.WithFields(logrus.Fields{
		"gm_ml":    fmt.Sprintf("%.1f", res.Volumes.Of(models.GrayMatter)),
		"wm_ml":    fmt.Sprintf("%.1f", res.Volumes.Of(models.WhiteMatter)),
		"csf_ml":   fmt.Sprintf("%.1f", res.Volumes.Of(models.CSF)),
		"total_ml": fmt.Sprintf("%.1f", res.Volumes.Total()),
	}).Info("Tissue volumes estimated")

	for _, t := range models.Tissues {
		path := filepath.Join(outDir, models.TissueArtifact(t))
		if err := nifti.WriteFile(path, res.Maps[t], nifti.DTUint8); err != nil {
			return nil, fmt.Errorf("save %s map: %w", t, err)
		}
	}
	return res, nil
}

// rankClusters maps cluster ids to tissues by ascending mean raw intensity:
// darkest is CSF, brightest is white matter.
func rankClusters(raw []float64, labels []int, k int) []models.Tissue {
	sums := make([]float64, k)
	counts := make([]int, k)
	for i, l := range labels {
		sums[l] += raw[i]
		counts[l]++
	}
	means := make([]float64, k)
	order := make([]int, k)
	for c := range means {
		if counts[c] > 0 {
			means[c] = sums[c] / float64(counts[c])
		}
		order[c] = c
	}
	sort.SliceStable(order, func(i, j int) bool { return means[order[i]] < means[order[j]] })

	tissueOf := make([]models.Tissue, k)
	for rank, cluster := range order {
		tissueOf[cluster] = models.Tissues[rank]
	}
	return tissueOf
}

// distinct counts unique values, stopping early at limit.
func distinct(values []float64, limit int) int {
	seen := make(map[float64]struct{}, limit)
	for _, v := range values {
		seen[v] = struct{}{}
		if len(seen) >= limit {
			break
		}
	}
	return len(seen)
}
