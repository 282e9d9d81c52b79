package dataset

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"brainprep/pkg/config"
)

const fetchLockName = ".fetch.lock"

// HTTPFetcher downloads per-subject tar.gz archives and unpacks the subject's
// directory into the dataset root.
type HTTPFetcher struct {
	BaseURL        string
	ArchivePattern string
	Subjects       []string
	AnatFile       string
	Client         *http.Client
	Log            logrus.FieldLogger
}

// NewHTTPFetcher creates a fetcher for the configured dataset.
func NewHTTPFetcher(cfg config.Dataset, log logrus.FieldLogger) *HTTPFetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPFetcher{
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		ArchivePattern: cfg.ArchivePattern,
		Subjects:       append([]string(nil), cfg.Subjects...),
		AnatFile:       cfg.AnatFile,
		Client:         &http.Client{Timeout: 30 * time.Minute},
		Log:            log,
	}
}

// Fetch downloads every listed subject whose anatomical volume is not yet
// present. Concurrent fetchers on the same destDir are serialized by a file lock.
func (f *HTTPFetcher) Fetch(subjects []int, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create dataset directory: %w", err)
	}

	lock := flock.New(filepath.Join(destDir, fetchLockName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire fetch lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			f.Log.WithError(err).Warn("Failed to release fetch lock")
		}
	}()

	for _, idx := range subjects {
		if idx < 0 || idx >= len(f.Subjects) {
			return fmt.Errorf("subject %d not in [0, %d)", idx, len(f.Subjects))
		}
		name := f.Subjects[idx]
		if exists(filepath.Join(destDir, name, f.AnatFile)) {
			f.Log.WithField("subject", name).Debug("Subject already present, skipping download")
			continue
		}
		if err := f.fetchOne(idx, name, destDir); err != nil {
			return fmt.Errorf("fetch %s: %w", name, err)
		}
	}
	return nil
}

func (f *HTTPFetcher) fetchOne(idx int, name, destDir string) error {
	url := f.BaseURL + "/" + fmt.Sprintf(f.ArchivePattern, idx+1)
	f.Log.WithField("url", url).Info("Downloading subject archive")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	n, err := extractSubject(resp.Body, name, destDir)
	if err != nil {
		return err
	}
	f.Log.WithFields(logrus.Fields{"subject": name, "files": n}).Info("Subject archive extracted")
	return nil
}

// extractSubject unpacks entries under "<name>/" from a tar.gz stream into
// destDir. Entries outside that prefix, links and unsafe paths are skipped.
func extractSubject(r io.Reader, name, destDir string) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()

	prefix := name + "/"
	count := 0
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read archive: %w", err)
		}

		clean := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if !strings.HasPrefix(clean, prefix) || strings.Contains(clean, "..") {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(clean))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}
