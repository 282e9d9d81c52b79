// Package batch runs the pipeline over many subjects, isolating failures so
// one bad subject never stops the rest.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"brainprep/internal/models"
	"brainprep/pkg/errs"
	"brainprep/pkg/ledger"
	"brainprep/pkg/pipeline"
)

// SubjectRunner processes one subject into outDir.
type SubjectRunner interface {
	Run(subject int, outDir string) (*pipeline.Report, error)
}

// Outcome is the result of one subject.
type Outcome struct {
	Subject   int
	OutDir    string
	StartedAt time.Time
	Duration  time.Duration
	Report    *pipeline.Report
	Err       error
}

// OK reports whether the subject succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// FailedStage names the stage that failed, if any.
func (o Outcome) FailedStage() string {
	var se *errs.StageError
	if errors.As(o.Err, &se) {
		return se.Stage
	}
	return ""
}

// Summary aggregates a batch.
type Summary struct {
	Outcomes  []Outcome
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// OK reports whether every subject succeeded.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// Runner fans subjects out over a bounded number of workers.
type Runner struct {
	Pipeline SubjectRunner
	OutRoot  string
	Jobs     int
	Ledger   *ledger.Store
	Log      logrus.FieldLogger
}

// SubjectDir is where a subject's artifacts go inside a batch output root.
func SubjectDir(root string, subject int) string {
	return filepath.Join(root, fmt.Sprintf("sub-%d", subject))
}

// Run processes every subject and returns once all have finished. Subjects
// not yet started when ctx is cancelled are reported with ctx's error.
func (r *Runner) Run(ctx context.Context, subjects []int) *Summary {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	jobs := r.Jobs
	if jobs < 1 {
		jobs = 1
	}

	start := time.Now()
	outcomes := make([]Outcome, len(subjects))
	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup

	for i, subject := range subjects {
		wg.Add(1)
		go func(i, subject int) {
			defer wg.Done()
			outDir := SubjectDir(r.OutRoot, subject)

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = Outcome{Subject: subject, OutDir: outDir, StartedAt: time.Now(), Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Subject: subject, OutDir: outDir, StartedAt: time.Now(), Err: err}
				return
			}

			began := time.Now()
			report, err := r.runSafely(subject, outDir)
			outcomes[i] = Outcome{
				Subject:   subject,
				OutDir:    outDir,
				StartedAt: began,
				Duration:  time.Since(began),
				Report:    report,
				Err:       err,
			}
		}(i, subject)
	}
	wg.Wait()

	summary := &Summary{Outcomes: outcomes, Elapsed: time.Since(start)}
	sort.SliceStable(summary.Outcomes, func(a, b int) bool {
		return summary.Outcomes[a].Subject < summary.Outcomes[b].Subject
	})
	for _, o := range summary.Outcomes {
		fields := logrus.Fields{"subject": o.Subject, "duration": o.Duration.Round(time.Millisecond)}
		if o.OK() {
			summary.Succeeded++
			log.WithFields(fields).Info("Subject complete")
		} else {
			summary.Failed++
			log.WithFields(fields).WithError(o.Err).Error("Subject failed")
		}
		r.record(ctx, log, o)
	}
	return summary
}

// runSafely turns a panic inside one subject's run into that subject's error.
func (r *Runner) runSafely(subject int, outDir string) (report *pipeline.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			report = nil
			err = &errs.StageError{Stage: pipeline.StageRun, Subject: subject, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.Pipeline.Run(subject, outDir)
}

func (r *Runner) record(ctx context.Context, log logrus.FieldLogger, o Outcome) {
	if r.Ledger == nil {
		return
	}
	if _, err := r.Ledger.Record(context.WithoutCancel(ctx), EntryFor(o)); err != nil {
		log.WithError(err).Warn("Failed to record run in ledger")
	}
}

// EntryFor converts an outcome into a ledger entry.
func EntryFor(o Outcome) ledger.Entry {
	e := ledger.Entry{
		Subject:   o.Subject,
		OutDir:    o.OutDir,
		Status:    ledger.StatusSucceeded,
		StartedAt: o.StartedAt,
		Duration:  o.Duration,
	}
	if rep := o.Report; rep != nil {
		e.RunID = rep.RunID
		e.BrainFraction = rep.BrainFraction
		e.GrayMatterML = rep.Volumes.Of(models.GrayMatter)
		e.WhiteMatterML = rep.Volumes.Of(models.WhiteMatter)
		e.CSFML = rep.Volumes.Of(models.CSF)
	}
	if o.Err != nil {
		e.Status = ledger.StatusFailed
		e.FailedStage = o.FailedStage()
		e.ErrorKind = errs.Kind(o.Err)
		e.Error = o.Err.Error()
	}
	return e
}
