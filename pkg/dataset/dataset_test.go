package dataset

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"brainprep/internal/models"
	"brainprep/internal/testsupport"
	"brainprep/pkg/config"
	"brainprep/pkg/errs"
	"brainprep/pkg/logging"
	"brainprep/pkg/nifti"
)

// countingFetcher records calls and optionally materializes the dataset.
type countingFetcher struct {
	calls    int
	populate bool
	subjects []string
	anatFile string
	t        *testing.T
}

func (f *countingFetcher) Fetch(subjects []int, destDir string) error {
	f.calls++
	if !f.populate {
		return os.ErrNotExist
	}
	names := make([]string, 0, len(subjects))
	for _, s := range subjects {
		names = append(names, f.subjects[s])
	}
	testsupport.WriteDataset(f.t, destDir, names, f.anatFile)
	return nil
}

func testDatasetConfig(root string) config.Dataset {
	cfg := config.DefaultConfig().Dataset
	cfg.Root = root
	return cfg
}

func TestLoadOutOfRangeTouchesNothing(t *testing.T) {
	fetcher := &countingFetcher{t: t}
	l := NewLoader(testDatasetConfig(filepath.Join(t.TempDir(), "missing")), fetcher, logging.Discard())

	for _, idx := range []int{-1, 3, 100} {
		_, err := l.Load(idx)
		assert.ErrorIs(t, err, errs.ErrRange, "subject %d", idx)
	}
	assert.Zero(t, fetcher.calls)
}

func TestLoadExistingVolume(t *testing.T) {
	root := t.TempDir()
	cfg := testDatasetConfig(root)
	testsupport.WriteDataset(t, root, cfg.Subjects, cfg.AnatFile)

	fetcher := &countingFetcher{t: t}
	l := NewLoader(cfg, fetcher, logging.Discard())
	vol, err := l.Load(1)
	require.NoError(t, err)
	assert.Equal(t, [3]int{40, 40, 40}, vol.Shape())
	assert.InDelta(t, 4.0, vol.VoxelSize.Z, 1e-6)
	assert.Zero(t, fetcher.calls)
}

func TestLoadMissingFetchesOnce(t *testing.T) {
	root := t.TempDir()
	cfg := testDatasetConfig(root)

	fetcher := &countingFetcher{t: t}
	l := NewLoader(cfg, fetcher, logging.Discard())
	_, err := l.Load(0)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 1, fetcher.calls)
}

func TestLoadRecoversAfterFetch(t *testing.T) {
	root := t.TempDir()
	cfg := testDatasetConfig(root)

	fetcher := &countingFetcher{t: t, populate: true, subjects: cfg.Subjects, anatFile: cfg.AnatFile}
	l := NewLoader(cfg, fetcher, logging.Discard())
	vol, err := l.Load(2)
	require.NoError(t, err)
	assert.NoError(t, vol.Validate())
	assert.Equal(t, 1, fetcher.calls)
}

func TestLoadWithoutAutoDownload(t *testing.T) {
	cfg := testDatasetConfig(t.TempDir())
	cfg.AutoDownload = false

	fetcher := &countingFetcher{t: t}
	l := NewLoader(cfg, fetcher, logging.Discard())
	_, err := l.Load(0)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, fetcher.calls)
}

func TestLoadCorruptFileIsUpstream(t *testing.T) {
	root := t.TempDir()
	cfg := testDatasetConfig(root)
	path := filepath.Join(root, cfg.Subjects[0], cfg.AnatFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a volume"), 0o644))

	l := NewLoader(cfg, nil, logging.Discard())
	_, err := l.Load(0)
	assert.ErrorIs(t, err, errs.ErrUpstream)
}

// subjectArchive builds a tar.gz holding subj1's volume plus entries the
// extractor must ignore.
func subjectArchive(t *testing.T) []byte {
	t.Helper()

	vol := testsupport.NewPhantom(testsupport.DefaultPhantom()).Volume
	var nii bytes.Buffer
	require.NoError(t, nifti.Write(&nii, vol, nifti.DTFloat32))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	add := func(name string, body []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "subj1/", Mode: 0o755, Typeflag: tar.TypeDir}))
	add("subj1/anat.nii.gz", nii.Bytes())
	add("subj1/labels.txt", []byte("rest\n"))
	add("subj2/anat.nii.gz", []byte("other subject"))
	add("subj1/../../escape.txt", []byte("nope"))
	add("README", []byte("readme"))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestHTTPFetcherExtractsSubjectOnly(t *testing.T) {
	archive := subjectArchive(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/subj1-2010.01.14.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	parent := t.TempDir()
	root := filepath.Join(parent, "data")
	cfg := testDatasetConfig(root)
	cfg.BaseURL = srv.URL + "/"

	f := NewHTTPFetcher(cfg, logging.Discard())
	require.NoError(t, f.Fetch([]int{0}, root))

	testsupport.RequireFiles(t, root, "subj1/anat.nii.gz", "subj1/labels.txt")
	assert.NoFileExists(t, filepath.Join(root, "subj2", "anat.nii.gz"))
	assert.NoFileExists(t, filepath.Join(root, "README"))
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))

	vol, err := nifti.ReadFile(filepath.Join(root, "subj1", "anat.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, [3]int{40, 40, 40}, vol.Shape())

	// already present: no second download
	require.NoError(t, f.Fetch([]int{0}, root))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFetcherReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := testDatasetConfig(root)
	cfg.BaseURL = srv.URL

	err := NewHTTPFetcher(cfg, logging.Discard()).Fetch([]int{1}, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	// the loader turns a failed recovery into not-found
	l := NewLoader(cfg, NewHTTPFetcher(cfg, logging.Discard()), logging.Discard())
	_, err = l.Load(1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStackSlicesOrdersByInstance(t *testing.T) {
	mk := func(instance int, value float64) dicomSlice {
		px := make([]float64, 6)
		for i := range px {
			px[i] = value
		}
		return dicomSlice{Instance: instance, Rows: 2, Cols: 3, Pixels: px, PixelSpacing: [2]float64{0.5, 0.75}, Thickness: 2}
	}

	vol, err := stackSlices([]dicomSlice{mk(3, 30), mk(1, 10), mk(2, 20)})
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 2, 3}, vol.Shape())
	assert.Equal(t, models.Spacing{X: 0.75, Y: 0.5, Z: 2}, vol.VoxelSize)
	assert.Equal(t, 10.0, vol.At(0, 0, 0))
	assert.Equal(t, 20.0, vol.At(2, 1, 1))
	assert.Equal(t, 30.0, vol.At(1, 0, 2))
}

func TestStackSlicesRejectsBadSeries(t *testing.T) {
	_, err := stackSlices(nil)
	assert.Error(t, err)

	a := dicomSlice{Instance: 1, Rows: 2, Cols: 2, Pixels: make([]float64, 4)}
	b := dicomSlice{Instance: 2, Rows: 3, Cols: 2, Pixels: make([]float64, 6)}
	_, err = stackSlices([]dicomSlice{a, b})
	assert.Error(t, err)
}

func TestImportDICOMEmptyDirectory(t *testing.T) {
	cfg := testDatasetConfig(t.TempDir())
	l := NewLoader(cfg, nil, logging.Discard())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	_, err := l.ImportDICOM(dir, 0)
	assert.ErrorIs(t, err, errs.ErrUpstream)

	_, err = l.ImportDICOM(dir, 9)
	assert.ErrorIs(t, err, errs.ErrRange)
}

func TestPixelDataOfRejectsOtherValues(t *testing.T) {
	_, err := pixelDataOf(nil)
	assert.Error(t, err)

	text, err := dicom.NewValue([]string{"not pixels"})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = pixelDataOf(&dicom.Element{Tag: tag.PixelData, Value: text})
	})
	assert.ErrorContains(t, err, "unexpected value type")

	empty, err := dicom.NewValue(dicom.PixelDataInfo{})
	require.NoError(t, err)
	_, err = pixelDataOf(&dicom.Element{Tag: tag.PixelData, Value: empty})
	assert.ErrorContains(t, err, "no frames")
}
