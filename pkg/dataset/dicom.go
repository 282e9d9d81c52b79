package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
	"brainprep/pkg/nifti"
)

// dicomSlice is one decoded 2D image of a series.
type dicomSlice struct {
	Instance     int
	Rows, Cols   int
	Pixels       []float64
	PixelSpacing [2]float64 // row spacing, column spacing
	Thickness    float64
}

// ImportDICOM converts a directory holding a single DICOM series (one slice
// per file) into the subject's anatomical volume and returns its path.
func (l *Loader) ImportDICOM(dir string, subject int) (string, error) {
	dest, err := l.Path(subject)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errs.Wrap(errs.ErrNotFound, "import", dir, err)
	}

	var slices []dicomSlice
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		s, err := readDICOMSlice(p)
		if err != nil {
			l.Log.WithFields(logrus.Fields{"file": p}).WithError(err).Warn("Skipping non-image file")
			continue
		}
		slices = append(slices, s)
	}

	vol, err := stackSlices(slices)
	if err != nil {
		return "", errs.Wrap(errs.ErrUpstream, "import", dir, err)
	}
	if err := nifti.WriteFile(dest, vol, nifti.DTFloat32); err != nil {
		return "", fmt.Errorf("save imported volume: %w", err)
	}

	l.Log.WithFields(logrus.Fields{
		"slices": len(slices),
		"shape":  fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
		"path":   dest,
	}).Info("Imported DICOM series")
	return dest, nil
}

func readDICOMSlice(path string) (dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return dicomSlice{}, err
	}

	pixEl, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return dicomSlice{}, fmt.Errorf("no pixel data: %w", err)
	}
	info, err := pixelDataOf(pixEl)
	if err != nil {
		return dicomSlice{}, err
	}
	nf, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return dicomSlice{}, fmt.Errorf("decode frame: %w", err)
	}

	s := dicomSlice{
		Rows:         nf.Rows,
		Cols:         nf.Cols,
		Pixels:       make([]float64, nf.Rows*nf.Cols),
		PixelSpacing: [2]float64{1, 1},
		Thickness:    1,
	}

	slope, intercept := 1.0, 0.0
	if v := numbersOf(ds, tag.RescaleSlope); len(v) > 0 && v[0] != 0 {
		slope = v[0]
	}
	if v := numbersOf(ds, tag.RescaleIntercept); len(v) > 0 {
		intercept = v[0]
	}
	for i := range s.Pixels {
		if i < len(nf.Data) && len(nf.Data[i]) > 0 {
			s.Pixels[i] = float64(nf.Data[i][0])*slope + intercept
		}
	}

	if v := numbersOf(ds, tag.InstanceNumber); len(v) > 0 {
		s.Instance = int(v[0])
	}
	if v := numbersOf(ds, tag.PixelSpacing); len(v) >= 2 {
		s.PixelSpacing = [2]float64{v[0], v[1]}
	}
	if v := numbersOf(ds, tag.SliceThickness); len(v) > 0 && v[0] > 0 {
		s.Thickness = v[0]
	}
	return s, nil
}

// pixelDataOf returns the decoded pixel data of el, or an error when the
// element holds something else.
func pixelDataOf(el *dicom.Element) (dicom.PixelDataInfo, error) {
	if el == nil || el.Value == nil {
		return dicom.PixelDataInfo{}, fmt.Errorf("pixel data element is empty")
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return dicom.PixelDataInfo{}, fmt.Errorf("pixel data has unexpected value type %T", el.Value.GetValue())
	}
	if len(info.Frames) == 0 {
		return dicom.PixelDataInfo{}, fmt.Errorf("pixel data has no frames")
	}
	return info, nil
}

// numbersOf reads a numeric (IS/DS/US) element, returning nil when the tag
// is absent or unparsable.
func numbersOf(ds dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	var out []float64
	switch v := el.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
	case []int:
		for _, n := range v {
			out = append(out, float64(n))
		}
	case []float64:
		out = append(out, v...)
	}
	return out
}

// stackSlices orders slices by instance number and stacks them along z.
func stackSlices(slices []dicomSlice) (*models.Volume, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("no image slices found")
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].Instance < slices[j].Instance
	})

	first := slices[0]
	spacing := models.Spacing{X: first.PixelSpacing[1], Y: first.PixelSpacing[0], Z: first.Thickness}
	vol := models.NewVolume(first.Cols, first.Rows, len(slices), spacing)
	plane := first.Rows * first.Cols
	for z, s := range slices {
		if s.Rows != first.Rows || s.Cols != first.Cols {
			return nil, fmt.Errorf("slice %d is %dx%d, series is %dx%d",
				s.Instance, s.Cols, s.Rows, first.Cols, first.Rows)
		}
		copy(vol.Data[z*plane:(z+1)*plane], s.Pixels)
	}
	return vol, nil
}
