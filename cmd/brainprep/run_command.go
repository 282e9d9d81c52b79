package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"brainprep/internal/models"
	"brainprep/pkg/batch"
	"brainprep/pkg/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var extractSlices bool
	var stages []string

	cmd := &cobra.Command{
		Use:   "run <subject>",
		Short: "Process one subject through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := ctx.parseSubject(args[0])
			if err != nil {
				return err
			}
			cfg := ctx.config
			if extractSlices {
				cfg.Output.ExtractSlices = true
			}
			if len(stages) > 0 {
				cfg.Pipeline.Stages = stages
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

			outDir := ctx.subjectOutDir(subject)
			started := time.Now()
			report, runErr := p.Run(subject, outDir)
			outcome := batch.Outcome{
				Subject:   subject,
				OutDir:    outDir,
				StartedAt: started,
				Duration:  time.Since(started),
				Report:    report,
				Err:       runErr,
			}
			if store != nil {
				if _, err := store.Record(cmd.Context(), batch.EntryFor(outcome)); err != nil {
					ctx.logger().WithError(err).Warn("Failed to record run in ledger")
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderRunReport(outcome, shouldColorize(out)))
			return runErr
		},
	}

	cmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "Also export corrected-volume slices along every axis")
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "Stages to run (a prefix of load,extract,correct,segment,render)")
	return cmd
}

func renderRunReport(o batch.Outcome, colorize bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject %d -> %s\n", o.Subject, o.OutDir)

	failed := o.FailedStage()
	if rep := o.Report; rep != nil {
		for _, st := range rep.Stages {
			kind := statusOK
			if st.Name == failed {
				kind = statusError
			}
			fmt.Fprintln(&b, renderStatusLine(st.Name, kind, formatDuration(st.Duration), colorize))
		}
		if rep.Completed {
			fmt.Fprintln(&b, renderStatusLine("brain", statusInfo, formatPercent(rep.BrainFraction)+" of grid", colorize))
			for _, t := range []models.Tissue{models.CSF, models.GrayMatter, models.WhiteMatter} {
				fmt.Fprintln(&b, renderStatusLine(t.Label(), statusInfo, formatML(rep.Volumes.Of(t))+" ml", colorize))
			}
			fmt.Fprintln(&b, renderStatusLine("figure", statusInfo, models.DiagnosticArtifact(o.Subject), colorize))
		}
	}
	if o.Err != nil {
		fmt.Fprintln(&b, renderStatusLine("result", statusError, o.Err.Error(), colorize))
	} else {
		fmt.Fprintln(&b, renderStatusLine("result", statusOK, formatDuration(o.Duration), colorize))
	}
	return b.String()
}
