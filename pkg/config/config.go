// Package config provides configuration loading and management for brainprep.
// It handles loading configuration from YAML (or TOML) files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"brainprep/pkg/errs"
)

// DefaultConfigFile is looked up in the working directory when no --config flag is given.
const DefaultConfigFile = "brainprep.yaml"

// Stage names in execution order.
const (
	StageLoad    = "load"
	StageExtract = "extract"
	StageCorrect = "correct"
	StageSegment = "segment"
	StageRender  = "render"
)

// DefaultStages is the complete stage list.
var DefaultStages = []string{StageLoad, StageExtract, StageCorrect, StageSegment, StageRender}

// Dataset describes where subject volumes live and how to recover missing ones.
type Dataset struct {
	// Root is the directory holding one sub-directory per subject
	Root string `yaml:"root" toml:"root"`

	// Subjects lists subject directory names; a subject index selects one entry
	Subjects []string `yaml:"subjects" toml:"subjects"`

	// AnatFile is the anatomical volume filename inside each subject directory
	AnatFile string `yaml:"anatFile" toml:"anatFile"`

	// BaseURL is where subject archives are downloaded from
	BaseURL string `yaml:"baseURL" toml:"baseURL"`

	// ArchivePattern is formatted with the 1-based subject number
	ArchivePattern string `yaml:"archivePattern" toml:"archivePattern"`

	// AutoDownload enables the single download attempt when a volume is missing
	AutoDownload bool `yaml:"autoDownload" toml:"autoDownload"`
}

// Output controls where artifacts go.
type Output struct {
	// Dir is the directory that receives every artifact of a run
	Dir string `yaml:"dir" toml:"dir"`

	// PerSubjectDirs namespaces batch outputs as <Dir>/sub-<idx>
	PerSubjectDirs bool `yaml:"perSubjectDirs" toml:"perSubjectDirs"`

	// ExtractSlices additionally exports corrected-volume slice sequences
	ExtractSlices bool `yaml:"extractSlices" toml:"extractSlices"`
}

// Pipeline selects the stages to run. Any prefix of DefaultStages is valid.
type Pipeline struct {
	Stages []string `yaml:"stages" toml:"stages"`
}

// Extraction holds brain-masking parameters.
type Extraction struct {
	// HistogramBins is the number of bins used for the Otsu threshold
	HistogramBins int `yaml:"histogramBins" toml:"histogramBins"`

	// ErosionIterations controls how aggressively thin bridges to the scalp are cut
	ErosionIterations int `yaml:"erosionIterations" toml:"erosionIterations"`
}

// BiasCorrection holds the N4-style correction schedule.
type BiasCorrection struct {
	// Iterations is the per-level iteration cap; its length is the number of fitting levels
	Iterations []int `yaml:"iterations" toml:"iterations"`

	// ConvergenceThreshold stops a level once the field update's coefficient of variation drops below it
	ConvergenceThreshold float64 `yaml:"convergenceThreshold" toml:"convergenceThreshold"`

	// ShrinkFactor subsamples the grid while fitting
	ShrinkFactor int `yaml:"shrinkFactor" toml:"shrinkFactor"`

	// HistogramBins is the log-intensity histogram resolution used for sharpening
	HistogramBins int `yaml:"histogramBins" toml:"histogramBins"`

	// FWHM is the full width at half maximum of the assumed bias blur, in log-intensity units
	FWHM float64 `yaml:"fwhm" toml:"fwhm"`

	// WienerNoise regularises the histogram deconvolution
	WienerNoise float64 `yaml:"wienerNoise" toml:"wienerNoise"`

	// MaxSamples caps the number of voxels used in each least-squares fit
	MaxSamples int `yaml:"maxSamples" toml:"maxSamples"`
}

// Segmentation holds tissue clustering parameters.
type Segmentation struct {
	Seed          uint64  `yaml:"seed" toml:"seed"`
	Restarts      int     `yaml:"restarts" toml:"restarts"`
	MaxIterations int     `yaml:"maxIterations" toml:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance" toml:"tolerance"`
}

// Rendering holds diagnostic figure parameters.
type Rendering struct {
	// PanelSize is the edge length in pixels of each orthogonal view
	PanelSize int `yaml:"panelSize" toml:"panelSize"`

	// OverlayAlpha is the opacity of mask and tissue overlays (0..1)
	OverlayAlpha float64 `yaml:"overlayAlpha" toml:"overlayAlpha"`
}

// Logging controls log output.
type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// Ledger controls the run history database.
type Ledger struct {
	// Path of the SQLite database; empty disables the ledger
	Path string `yaml:"path" toml:"path"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	Dataset        Dataset        `yaml:"dataset" toml:"dataset"`
	Output         Output         `yaml:"output" toml:"output"`
	Pipeline       Pipeline       `yaml:"pipeline" toml:"pipeline"`
	Extraction     Extraction     `yaml:"extraction" toml:"extraction"`
	BiasCorrection BiasCorrection `yaml:"biasCorrection" toml:"biasCorrection"`
	Segmentation   Segmentation   `yaml:"segmentation" toml:"segmentation"`
	Rendering      Rendering      `yaml:"rendering" toml:"rendering"`
	Logging        Logging        `yaml:"logging" toml:"logging"`
	Ledger         Ledger         `yaml:"ledger" toml:"ledger"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Haxby 2001 anatomical scans, three subjects
	cfg.Dataset.Root = filepath.Join("data", "haxby2001")
	cfg.Dataset.Subjects = []string{"subj1", "subj2", "subj3"}
	cfg.Dataset.AnatFile = "anat.nii.gz"
	cfg.Dataset.BaseURL = "http://data.pymvpa.org/datasets/haxby2001"
	cfg.Dataset.ArchivePattern = "subj%d-2010.01.14.tar.gz"
	cfg.Dataset.AutoDownload = true

	cfg.Output.Dir = "outputs"
	cfg.Output.PerSubjectDirs = true
	cfg.Output.ExtractSlices = false

	cfg.Pipeline.Stages = append([]string(nil), DefaultStages...)

	cfg.Extraction.HistogramBins = 256
	cfg.Extraction.ErosionIterations = 2

	// Four fitting levels, 50 iterations each
	cfg.BiasCorrection.Iterations = []int{50, 50, 50, 50}
	cfg.BiasCorrection.ConvergenceThreshold = 0.001
	cfg.BiasCorrection.ShrinkFactor = 2
	cfg.BiasCorrection.HistogramBins = 200
	cfg.BiasCorrection.FWHM = 0.15
	cfg.BiasCorrection.WienerNoise = 0.01
	cfg.BiasCorrection.MaxSamples = 50000

	cfg.Segmentation.Seed = 42
	cfg.Segmentation.Restarts = 10
	cfg.Segmentation.MaxIterations = 300
	cfg.Segmentation.Tolerance = 1e-4

	cfg.Rendering.PanelSize = 200
	cfg.Rendering.OverlayAlpha = 0.45

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Ledger.Path = ""

	return cfg
}

// LoadConfig loads configuration from a YAML file, or from TOML when the path
// ends in .toml. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML (or TOML) file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isTOML(configPath) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports the first invalid setting, tagged with errs.ErrConfiguration.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errs.Wrap(errs.ErrConfiguration, "config", fmt.Sprintf(format, args...), nil)
	}

	if len(c.Dataset.Subjects) == 0 {
		return fail("dataset.subjects must not be empty")
	}
	if strings.TrimSpace(c.Dataset.AnatFile) == "" {
		return fail("dataset.anatFile must not be empty")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fail("output.dir must not be empty")
	}
	if _, err := StagePrefix(c.Pipeline.Stages); err != nil {
		return err
	}
	if c.Extraction.HistogramBins < 2 {
		return fail("extraction.histogramBins must be at least 2, got %d", c.Extraction.HistogramBins)
	}
	if c.Extraction.ErosionIterations < 0 {
		return fail("extraction.erosionIterations must not be negative")
	}
	if len(c.BiasCorrection.Iterations) == 0 {
		return fail("biasCorrection.iterations must name at least one level")
	}
	for i, n := range c.BiasCorrection.Iterations {
		if n <= 0 {
			return fail("biasCorrection.iterations[%d] must be positive, got %d", i, n)
		}
	}
	if c.BiasCorrection.ShrinkFactor < 1 {
		return fail("biasCorrection.shrinkFactor must be at least 1")
	}
	if c.BiasCorrection.HistogramBins < 8 {
		return fail("biasCorrection.histogramBins must be at least 8")
	}
	if c.BiasCorrection.FWHM <= 0 || c.BiasCorrection.WienerNoise <= 0 {
		return fail("biasCorrection.fwhm and wienerNoise must be positive")
	}
	if c.Segmentation.Restarts < 10 {
		return fail("segmentation.restarts must be at least 10, got %d", c.Segmentation.Restarts)
	}
	if c.Segmentation.MaxIterations <= 0 {
		return fail("segmentation.maxIterations must be positive")
	}
	if c.Rendering.PanelSize < 32 {
		return fail("rendering.panelSize must be at least 32")
	}
	if c.Rendering.OverlayAlpha < 0 || c.Rendering.OverlayAlpha > 1 {
		return fail("rendering.overlayAlpha must lie in [0, 1]")
	}
	return nil
}

// StagePrefix checks that names is a non-empty prefix of DefaultStages and
// returns its length.
func StagePrefix(names []string) (int, error) {
	if len(names) == 0 {
		return 0, errs.Wrap(errs.ErrConfiguration, "config", "pipeline.stages must not be empty", nil)
	}
	if len(names) > len(DefaultStages) {
		return 0, errs.Wrap(errs.ErrConfiguration, "config",
			fmt.Sprintf("pipeline.stages has %d entries, at most %d stages exist", len(names), len(DefaultStages)), nil)
	}
	for i, name := range names {
		if strings.TrimSpace(strings.ToLower(name)) != DefaultStages[i] {
			return 0, errs.Wrap(errs.ErrConfiguration, "config",
				fmt.Sprintf("pipeline.stages[%d] is %q, expected %q (stages must be a prefix of %s)",
					i, name, DefaultStages[i], strings.Join(DefaultStages, ", ")), nil)
		}
	}
	return len(names), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
