package main

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"brainprep/internal/models"
	"brainprep/pkg/batch"
	"brainprep/pkg/ledger"
	"brainprep/pkg/pipeline"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var subjectsFlag string
	var jobs int
	var extractSlices bool

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process several subjects, continuing past failures",
		Long: "Process several subjects, each into <output-dir>/sub-<idx>. A failing subject is\n" +
			"reported and skipped; the command exits non-zero if any subject failed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			subjects, err := parseSubjects(subjectsFlag, len(cfg.Dataset.Subjects))
			if err != nil {
				return err
			}
			if extractSlices {
				cfg.Output.ExtractSlices = true
			}

			p, err := pipeline.New(cfg, ctx.logger())
			if err != nil {
				return err
			}
			store, err := ctx.openLedger()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			runner := &batch.Runner{
				Pipeline: p,
				OutRoot:  cfg.Output.Dir,
				Jobs:     jobs,
				Ledger:   store,
				Log:      ctx.logger(),
			}
			summary := runner.Run(cmd.Context(), subjects)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderBatchSummary(summary, shouldColorize(out)))
			fmt.Fprintf(out, "%d succeeded, %d failed in %s\n",
				summary.Succeeded, summary.Failed, formatDuration(summary.Elapsed))

			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if !summary.OK() {
				return fmt.Errorf("%d of %d subjects failed", summary.Failed, len(summary.Outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subjectsFlag, "subjects", "s", "", "Subject indices, e.g. 0,2 or 0-2 (default: all)")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", max(1, runtime.NumCPU()/2), "Number of subjects processed in parallel")
	cmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "Also export corrected-volume slices along every axis")
	return cmd
}

// parseSubjects expands a list such as "0,2-4" into sorted unique indices.
// An empty list selects every subject of the dataset. Indices are not
// range-checked here so that the pipeline reports them per subject.
func parseSubjects(list string, total int) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.Index(part[1:], "-"); i >= 0 {
			lo, hi = part[:i+1], part[i+2:]
		}
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid subject %q", part)
		}
		to, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("invalid subject %q", part)
		}
		if to < from {
			return nil, fmt.Errorf("invalid subject range %q", part)
		}
		for s := from; s <= to; s++ {
			seen[s] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no subjects selected")
	}

	subjects := make([]int, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Ints(subjects)
	return subjects, nil
}

func renderBatchSummary(s *batch.Summary, colorize bool) string {
	rows := make([][]string, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		status := ledger.StatusSucceeded
		if !o.OK() {
			status = ledger.StatusFailed
		}
		row := []string{
			strconv.Itoa(o.Subject),
			colorStatus(status, o.OK(), colorize),
			dashIfEmpty(o.FailedStage()),
			formatDuration(o.Duration),
			"-", "-", "-", "-",
			"",
		}
		if rep := o.Report; rep != nil && o.OK() {
			row[4] = formatPercent(rep.BrainFraction)
			row[5] = formatML(rep.Volumes.Of(models.GrayMatter))
			row[6] = formatML(rep.Volumes.Of(models.WhiteMatter))
			row[7] = formatML(rep.Volumes.Of(models.CSF))
		}
		if o.Err != nil {
			row[8] = o.Err.Error()
		}
		rows = append(rows, row)
	}
	return renderTable(batchColumns, rows)
}
