// Package pipeline drives one subject through loading, brain extraction,
// bias correction, tissue classification and rendering.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"brainprep/internal/models"
	"brainprep/pkg/biasfield"
	"brainprep/pkg/config"
	"brainprep/pkg/dataset"
	"brainprep/pkg/errs"
	"brainprep/pkg/segmentation"
	"brainprep/pkg/skullstrip"
	"brainprep/pkg/visualization"
)

// LockFile is created in every output directory while a run holds it.
const LockFile = ".brainprep.lock"

// StageRun names failures that happen outside any stage, while a run
// prepares or locks its output directory.
const StageRun = "run"

// StageTiming records how long a stage took.
type StageTiming struct {
	Name     string
	Duration time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Subject   int
	OutDir    string
	Stages    []StageTiming
	Artifacts []string
	Completed bool

	BrainFraction float64
	MeanBefore    float64
	MeanAfter     float64
	Volumes       models.VolumeEstimate
}

// Duration is the sum of all stage durations.
func (r *Report) Duration() time.Duration {
	var d time.Duration
	for _, s := range r.Stages {
		d += s.Duration
	}
	return d
}

// Pipeline runs the configured stages for one subject at a time. It is safe
// for concurrent use as long as every run targets its own output directory.
type Pipeline struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	fetcher dataset.Fetcher
	stages  []Stage
}

// New validates the configuration and builds a pipeline. The dataset fetcher
// downloads from cfg.Dataset.BaseURL.
func New(cfg *config.Config, log logrus.FieldLogger) (*Pipeline, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stages, err := Select(cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		fetcher: dataset.NewHTTPFetcher(cfg.Dataset, log),
		stages:  stages,
	}, nil
}

// WithFetcher replaces the dataset fetcher.
func (p *Pipeline) WithFetcher(f dataset.Fetcher) *Pipeline {
	p.fetcher = f
	return p
}

// Stages returns the stages this pipeline executes.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Run executes the stages for subject, writing every artifact into outDir.
// It stops at the first failing stage and returns a *errs.StageError naming
// it, together with the partial report.
func (p *Pipeline) Run(subject int, outDir string) (*Report, error) {
	r := &run{
		p:       p,
		subject: subject,
		outDir:  outDir,
		loader:  dataset.NewLoader(p.cfg.Dataset, p.fetcher, nil),
	}

	// no filesystem access before the index is known to be valid
	if _, err := r.loader.Path(subject); err != nil {
		return nil, &errs.StageError{Stage: config.StageLoad, Subject: subject, Err: err}
	}

	setupErr := func(err error) error {
		return &errs.StageError{Stage: StageRun, Subject: subject, Err: err}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, setupErr(fmt.Errorf("create output directory: %w", err))
	}
	lock := flock.New(filepath.Join(outDir, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, setupErr(fmt.Errorf("acquire output lock: %w", err))
	}
	if !ok {
		return nil, setupErr(errs.Wrap(errs.ErrOutputBusy, StageRun, outDir, nil))
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			p.log.WithError(err).Warn("Failed to release output lock")
		}
	}()

	runID := uuid.NewString()
	r.log = p.log.WithFields(logrus.Fields{"subject": subject, "run_id": runID})
	r.loader.Log = r.log.WithField("stage", config.StageLoad)
	r.report = &Report{RunID: runID, Subject: subject, OutDir: outDir}

	r.log.WithField("out_dir", outDir).Info("Starting pipeline")
	for _, stage := range p.stages {
		start := time.Now()
		err := stage.exec(r)
		elapsed := time.Since(start)
		r.report.Stages = append(r.report.Stages, StageTiming{Name: stage.Name, Duration: elapsed})
		if err != nil {
			r.log.WithFields(logrus.Fields{"stage": stage.Name}).WithError(err).Error("Stage failed")
			return r.report, &errs.StageError{Stage: stage.Name, Subject: subject, Err: err}
		}
		r.log.WithFields(logrus.Fields{
			"stage":    stage.Name,
			"duration": elapsed.Round(time.Millisecond),
		}).Info("Stage complete")
	}

	if p.cfg.Output.ExtractSlices && r.corrected != nil {
		if err := r.exportSlices(); err != nil {
			r.log.WithError(err).Warn("Slice export failed")
		}
	}

	r.report.Completed = len(p.stages) == len(allStages)
	r.log.WithField("duration", r.report.Duration().Round(time.Millisecond)).Info("Pipeline finished")
	return r.report, nil
}

// run carries values between stages of a single execution.
type run struct {
	p       *Pipeline
	log     logrus.FieldLogger
	subject int
	outDir  string
	loader  *dataset.Loader
	report  *Report

	volume    *models.Volume
	brain     *skullstrip.Result
	corrected *biasfield.Result
	seg       *segmentation.Result
}

func (r *run) stageLog(name string) logrus.FieldLogger {
	return r.log.WithField("stage", name)
}

func (r *run) produced(names ...string) {
	r.report.Artifacts = append(r.report.Artifacts, names...)
}

func (r *run) load() error {
	vol, err := r.loader.Load(r.subject)
	if err != nil {
		return err
	}
	r.volume = vol
	return nil
}

func (r *run) extract() error {
	cfg := r.p.cfg.Extraction
	e := skullstrip.NewExtractor(skullstrip.Options{
		HistogramBins:     cfg.HistogramBins,
		ErosionIterations: cfg.ErosionIterations,
	}, r.stageLog(config.StageExtract))

	res, err := e.Extract(r.volume, r.outDir)
	if err != nil {
		return err
	}
	r.brain = res
	r.report.BrainFraction = res.Fraction
	r.produced(models.ArtifactBrainMask, models.ArtifactBrain)
	return nil
}

func (r *run) correct() error {
	cfg := r.p.cfg.BiasCorrection
	n := biasfield.NewNormalizer(biasfield.Options{
		Iterations:           cfg.Iterations,
		ConvergenceThreshold: cfg.ConvergenceThreshold,
		ShrinkFactor:         cfg.ShrinkFactor,
		HistogramBins:        cfg.HistogramBins,
		FWHM:                 cfg.FWHM,
		WienerNoise:          cfg.WienerNoise,
		MaxSamples:           cfg.MaxSamples,
	}, r.stageLog(config.StageCorrect))

	res, err := n.Correct(r.brain.Brain, r.outDir)
	if err != nil {
		return err
	}
	r.corrected = res
	r.report.MeanBefore = res.MeanBefore
	r.report.MeanAfter = res.MeanAfter
	r.produced(models.ArtifactCorrected, models.ArtifactBiasField)
	return nil
}

func (r *run) segment() error {
	cfg := r.p.cfg.Segmentation
	c := segmentation.NewClassifier(segmentation.KMeansOptions{
		Seed:          cfg.Seed,
		Restarts:      cfg.Restarts,
		MaxIterations: cfg.MaxIterations,
		Tolerance:     cfg.Tolerance,
	}, r.stageLog(config.StageSegment))

	res, err := c.Classify(r.corrected.Corrected, r.outDir)
	if err != nil {
		return err
	}
	r.seg = res
	r.report.Volumes = res.Volumes
	r.produced(
		models.TissueArtifact(models.GrayMatter),
		models.TissueArtifact(models.WhiteMatter),
		models.TissueArtifact(models.CSF),
	)
	return nil
}

func (r *run) render() error {
	rd := visualization.NewRenderer(r.p.cfg.Rendering, r.stageLog(config.StageRender))
	path, err := rd.Render(r.corrected.Corrected, r.seg, r.subject, r.outDir)
	if err != nil {
		return err
	}
	r.produced(filepath.Base(path))
	return nil
}

func (r *run) exportSlices() error {
	viewer := visualization.NewViewer(r.corrected.Corrected)
	for _, axis := range []string{"x", "y", "z"} {
		dir := filepath.Join(r.outDir, "slices", axis)
		if err := viewer.SaveSliceSequence(axis, dir); err != nil {
			return fmt.Errorf("save %s-axis slices: %w", axis, err)
		}
	}
	r.log.WithField("dir", filepath.Join(r.outDir, "slices")).Info("Corrected slices exported")
	return nil
}
