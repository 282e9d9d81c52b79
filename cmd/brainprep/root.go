package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var flags globalFlags

	ctx := newCommandContext(&flags)

	rootCmd := &cobra.Command{
		Use:           "brainprep",
		Short:         "Structural brain MRI preprocessing",
		Long:          "brainprep loads anatomical MRI volumes, strips the skull, corrects intensity bias,\nclassifies tissue and renders a diagnostic figure for each subject.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig(cmd)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "Configuration file path (YAML or TOML)")
	pf.StringVarP(&flags.outputDir, "output-dir", "o", "", "Override the output directory")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	pf.StringVar(&flags.ledger, "ledger", "", "Override the run ledger database path")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newFetchCommand(ctx))
	rootCmd.AddCommand(newImportDICOMCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
