// Package skullstrip separates brain tissue from skull, scalp and background.
package skullstrip

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
	"brainprep/pkg/nifti"
)

// Result is the output of the extraction stage.
type Result struct {
	// Brain is the input volume with every non-brain voxel set to zero
	Brain *models.Volume

	// Mask marks brain voxels
	Mask models.Mask

	// Fraction is brain voxels / total voxels
	Fraction float64
}

// Extractor runs brain extraction and persists its artifacts.
type Extractor struct {
	Options Options
	Log     logrus.FieldLogger
}

// NewExtractor creates an extractor with the given masking options.
func NewExtractor(opts Options, log logrus.FieldLogger) *Extractor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Extractor{Options: opts, Log: log}
}

// Extract computes the brain mask of vol, zeroes non-brain voxels on a copy
// and writes brain_mask.nii.gz and brain.nii.gz into outDir.
func (e *Extractor) Extract(vol *models.Volume, outDir string) (*Result, error) {
	mask, err := ComputeMask(vol, e.Options)
	if err != nil {
		return nil, err
	}

	brain := vol.Clone()
	for i, in := range mask {
		if !in {
			brain.Data[i] = 0
		}
	}

	res := &Result{Brain: brain, Mask: mask, Fraction: mask.Fraction()}
	e.Log.WithFields(logrus.Fields{
		"brain_voxels": mask.Count(),
		"fraction":     fmt.Sprintf("%.3f", res.Fraction),
	}).Info("Brain mask computed")

	if err := nifti.WriteFile(filepath.Join(outDir, models.ArtifactBrainMask), mask.ToVolume(vol), nifti.DTUint8); err != nil {
		return nil, fmt.Errorf("save brain mask: %w", err)
	}
	if err := nifti.WriteFile(filepath.Join(outDir, models.ArtifactBrain), brain, nifti.DTFloat32); err != nil {
		return nil, fmt.Errorf("save brain volume: %w", err)
	}

	return res, nil
}

// Load reads a previously persisted extraction back from outDir.
func Load(outDir string) (*Result, error) {
	maskVol, err := nifti.ReadFile(filepath.Join(outDir, models.ArtifactBrainMask))
	if err != nil {
		return nil, errs.Wrap(errs.ErrNotFound, "extract", "reload brain mask", err)
	}
	brain, err := nifti.ReadFile(filepath.Join(outDir, models.ArtifactBrain))
	if err != nil {
		return nil, errs.Wrap(errs.ErrNotFound, "extract", "reload brain volume", err)
	}
	if !brain.SameShape(maskVol) {
		return nil, errs.Wrap(errs.ErrUpstream, "extract", "brain mask and brain volume shapes differ", nil)
	}
	mask := models.MaskFromVolume(maskVol)
	return &Result{Brain: brain, Mask: mask, Fraction: mask.Fraction()}, nil
}
