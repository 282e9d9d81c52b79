// Package dataset locates, recovers and loads subject anatomical volumes.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"brainprep/internal/models"
	"brainprep/pkg/config"
	"brainprep/pkg/errs"
	"brainprep/pkg/nifti"
)

// Fetcher materializes subject volumes under destDir, laid out as
// <destDir>/<subject>/<anat file>.
type Fetcher interface {
	Fetch(subjects []int, destDir string) error
}

// Loader resolves a subject index to its anatomical volume.
type Loader struct {
	Root         string
	Subjects     []string
	AnatFile     string
	Fetcher      Fetcher
	AutoDownload bool
	Log          logrus.FieldLogger
}

// NewLoader builds a loader from the dataset configuration. fetcher may be nil,
// in which case missing volumes are never recovered.
func NewLoader(cfg config.Dataset, fetcher Fetcher, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		Root:         cfg.Root,
		Subjects:     append([]string(nil), cfg.Subjects...),
		AnatFile:     cfg.AnatFile,
		Fetcher:      fetcher,
		AutoDownload: cfg.AutoDownload,
		Log:          log,
	}
}

// Path returns where the subject's anatomical volume is expected. It touches
// no files.
func (l *Loader) Path(subject int) (string, error) {
	if subject < 0 || subject >= len(l.Subjects) {
		return "", errs.Wrap(errs.ErrRange, "load",
			fmt.Sprintf("subject %d not in [0, %d)", subject, len(l.Subjects)), nil)
	}
	return filepath.Join(l.Root, l.Subjects[subject], l.AnatFile), nil
}

// Load returns the subject's anatomical volume. A missing file triggers at
// most one fetch attempt before the load fails with errs.ErrNotFound.
func (l *Loader) Load(subject int) (*models.Volume, error) {
	path, err := l.Path(subject)
	if err != nil {
		return nil, err
	}

	if !exists(path) {
		if !l.AutoDownload || l.Fetcher == nil {
			return nil, errs.Wrap(errs.ErrNotFound, "load", path, nil)
		}

		l.Log.WithField("path", path).Info("Anatomical volume missing, fetching dataset")
		fetchErr := l.Fetcher.Fetch([]int{subject}, l.Root)
		if fetchErr != nil {
			l.Log.WithError(fetchErr).Warn("Dataset fetch failed")
		}
		if !exists(path) {
			return nil, errs.Wrap(errs.ErrNotFound, "load", path, fetchErr)
		}
	}

	vol, err := nifti.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.ErrNotFound, "load", path, err)
		}
		return nil, errs.Wrap(errs.ErrUpstream, "load", "decode anatomical volume", err)
	}

	l.Log.WithFields(logrus.Fields{
		"shape":      fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
		"voxel_size": fmt.Sprintf("%.3gx%.3gx%.3g mm", vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z),
	}).Info("Loaded anatomical volume")

	return vol, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
