package historycmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"converge/cmd/converge/cmdutil"
	"converge/cmd/converge/ui"
	"converge/internal/adapter/sqlite"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// Cmd returns "converge history", which lists recorded runs or, given a run
// ID, the per-container outcomes of that run.
func Cmd() *cobra.Command {
	var (
		journal string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show past reconciliation runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(journal); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), ui.InfoMsg("no runs recorded in %s", journal))
				return nil
			}
			store, err := sqlite.Open(journal)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd.Context(), store, args[0], cmd.OutOrStdout())
			}
			return listRuns(cmd.Context(), store, limit, time.Now(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&journal, "journal", cmdutil.DefaultJournalPath(), "Run journal database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

func listRuns(ctx context.Context, store *sqlite.Store, limit int, now time.Time, w io.Writer) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, ui.InfoMsg("no runs recorded"))
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			units.HumanDuration(now.Sub(r.Started)) + " ago",
			runStatus(r),
			strconv.Itoa(r.Total),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Skipped),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"RUN", "STARTED", "STATUS", "TOTAL", "FAILED", "SKIPPED", "TOOK"}, rows))
	return nil
}

func showRun(ctx context.Context, store *sqlite.Store, runID string, w io.Writer) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	items, err := store.RunItems(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprint(w, ui.KeyValues("",
		ui.KV("Run", run.ID),
		ui.KV("Started", run.Started.Local().Format(time.RFC3339)),
		ui.KV("Status", runStatus(run)),
		ui.KV("Dry run", ui.YesNo(run.DryRun, ui.AccentStyle)),
		ui.KV("Took", run.Duration.Round(time.Millisecond).String()),
	))

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		status := "ok"
		switch {
		case it.Skipped:
			status = "skipped"
		case !it.Success:
			status = "failed"
		}
		rows = append(rows, []string{it.Container, it.Action, status, it.Kind, it.Detail})
	}
	fmt.Fprintln(w, ui.Table([]string{"CONTAINER", "ACTION", "STATUS", "ERROR", "DETAIL"}, rows))
	return nil
}

func runStatus(r sqlite.Run) string {
	switch {
	case r.Halted:
		return ui.Error("halted")
	case r.Canceled:
		return ui.Warn("canceled")
	case r.Success:
		return ui.Success("ok")
	default:
		return ui.Error("failed")
	}
}
