package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"brainprep/pkg/ledger"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openLedger()
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("no ledger configured; set ledger.path or pass --ledger")
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			fmt.Fprintln(out, renderHistory(entries, shouldColorize(out)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	return cmd
}

func renderHistory(entries []ledger.Entry, colorize bool) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(e.Subject),
			colorStatus(e.Status, e.Status == ledger.StatusSucceeded, colorize),
			dashIfEmpty(e.FailedStage),
			dashIfEmpty(e.ErrorKind),
			formatDuration(e.Duration),
			formatML(e.GrayMatterML),
			formatML(e.WhiteMatterML),
			formatML(e.CSFML),
		})
	}
	return renderTable(historyColumns, rows)
}
