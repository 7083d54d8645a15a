package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs recorded in the history store",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.History == nil {
		return errors.New("history is disabled (set history.enabled in the config file)")
	}
	runs, err := sc.History.Recent(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tREFERENCE\tSTATUS\tCACHE\tTOTAL\tRESULT")
	for _, r := range runs {
		status, result := "ok", r.Result
		if !r.Succeeded() {
			status, result = "error", r.Error
		}
		cache := "miss"
		if r.FromCache {
			cache = "hit"
		}
		total := (r.Setup + r.Fetch + r.Eval).Round(time.Microsecond)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Reference, status, cache, total, oneLine(result, 60))
	}
	return tw.Flush()
}

// oneLine trims s to its first line and at most n runes.
func oneLine(s string, n int) string {
	for i, c := range s {
		if c == '\n' {
			s = s[:i] + "..."
			break
		}
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
