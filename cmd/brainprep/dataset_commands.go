package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"brainprep/pkg/dataset"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var subjectsFlag string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download subject volumes that are not yet present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			subjects, err := parseSubjects(subjectsFlag, len(cfg.Dataset.Subjects))
			if err != nil {
				return err
			}
			loader := dataset.NewLoader(cfg.Dataset, nil, ctx.logger())
			for _, s := range subjects {
				if _, err := loader.Path(s); err != nil {
					return err
				}
			}

			fetcher := dataset.NewHTTPFetcher(cfg.Dataset, ctx.logger())
			if err := fetcher.Fetch(subjects, cfg.Dataset.Root); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, s := range subjects {
				path, _ := loader.Path(s)
				fmt.Fprintln(out, renderStatusLine(cfg.Dataset.Subjects[s], statusOK, path, colorize))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subjectsFlag, "subjects", "s", "", "Subject indices, e.g. 0,2 or 0-2 (default: all)")
	return cmd
}

func newImportDICOMCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import-dicom <series-dir> <subject>",
		Short: "Convert a DICOM series into a subject's anatomical volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := ctx.parseSubject(args[1])
			if err != nil {
				return err
			}
			loader := dataset.NewLoader(ctx.config.Dataset, nil, ctx.logger())
			path, err := loader.ImportDICOM(args[0], subject)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderStatusLine("imported", statusOK, path, shouldColorize(out)))
			return nil
		},
	}
}
