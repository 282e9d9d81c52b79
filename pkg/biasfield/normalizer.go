// Package biasfield removes smooth scanner-induced intensity inhomogeneity
// from skull-stripped volumes.
package biasfield

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
	"brainprep/pkg/nifti"
)

// Result is the output of the normalization stage.
type Result struct {
	// Corrected is the bias-corrected brain volume
	Corrected *models.Volume

	// Field is the estimated multiplicative bias (input / corrected)
	Field *models.Volume

	// MeanBefore and MeanAfter are averages over strictly positive voxels
	MeanBefore float64
	MeanAfter  float64
}

// Normalizer runs bias correction and persists its artifacts.
type Normalizer struct {
	Options Options
	Log     logrus.FieldLogger
}

// NewNormalizer creates a normalizer with the given corrector options.
func NewNormalizer(opts Options, log logrus.FieldLogger) *Normalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Normalizer{Options: opts, Log: log}
}

// Correct bias-corrects brain and writes corrected.nii.gz and
// bias_field.nii.gz into outDir.
func (n *Normalizer) Correct(brain *models.Volume, outDir string) (*Result, error) {
	img, err := ToCorrector(brain)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUpstream, "bias", "adapt volume", err)
	}
	n.Log.WithFields(logrus.Fields{
		"levels":  len(n.Options.Iterations),
		"shrink":  n.Options.ShrinkFactor,
		"spacing": fmt.Sprintf("%v", img.Spacing),
	}).Debug("Running bias field correction")

	out, err := Correct(img, n.Options)
	if err != nil {
		return nil, err
	}
	corrected, err := FromCorrector(out, brain)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUpstream, "bias", "adapt corrected image", err)
	}

	field := brain.Derive(make([]float64, brain.Len()))
	for i, pre := range brain.Data {
		post := corrected.Data[i]
		if !finite(post) {
			corrected.Data[i] = 0
		}
		f := pre / post
		if !finite(f) {
			f = 1
		}
		field.Data[i] = f
	}

	res := &Result{Corrected: corrected, Field: field}
	res.MeanBefore, _ = brain.PositiveMean()
	res.MeanAfter, _ = corrected.PositiveMean()
	n.Log.WithFields(logrus.Fields{
		"mean_before": fmt.Sprintf("%.2f", res.MeanBefore),
		"mean_after":  fmt.Sprintf("%.2f", res.MeanAfter),
	}).Info("Bias field corrected")

	if err := nifti.WriteFile(filepath.Join(outDir, models.ArtifactCorrected), corrected, nifti.DTFloat32); err != nil {
		return nil, fmt.Errorf("save corrected volume: %w", err)
	}
	if err := nifti.WriteFile(filepath.Join(outDir, models.ArtifactBiasField), field, nifti.DTFloat32); err != nil {
		return nil, fmt.Errorf("save bias field: %w", err)
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
