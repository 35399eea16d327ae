package applycmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"converge/cmd/converge/cmdutil"
	"converge/cmd/converge/ui"
	"converge/internal/adapter/sqlite"
	"converge/internal/converge"
	"converge/internal/engine"
	"converge/internal/spec"

	"github.com/spf13/cobra"
)

// Cmd returns the "converge apply" command.
func Cmd() *cobra.Command {
	var f Flags
	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Converge Docker containers to the desired state in FILE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd, &f)
		},
	}
	f.Bind(cmd, true)
	return cmd
}

// PlanCmd returns "converge plan", which reports the actions apply would
// take without changing anything.
func PlanCmd() *cobra.Command {
	var f Flags
	cmd := &cobra.Command{
		Use:   "plan -f FILE",
		Short: "Show the actions apply would take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.DryRun = true
			return runApply(cmd, &f)
		},
	}
	f.Bind(cmd, false)
	return cmd
}

func runApply(cmd *cobra.Command, f *Flags) error {
	opts, err := f.Options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := f.LoadSpecs(ctx)
	if err != nil {
		return err
	}

	rt, err := cmdutil.ConnectDocker(ctx, f.ConnectTimeout)
	if err != nil {
		return err
	}
	defer rt.Close()

	if f.Trace {
		out := ui.NewTraceOutput(cmd.ErrOrStderr())
		defer out.Close()
		opts.Tracer = out.Tracer("converge")
	}
	return execute(ctx, rt, specs, opts, f, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// execute runs one pass against eng, records it and renders the result.
// A failed batch is returned as an ExitError carrying the batch exit code.
func execute(ctx context.Context, eng engine.Engine, specs []spec.DesiredSpec, opts converge.Options, f *Flags, stdout, stderr io.Writer) error {
	if f.Output == outputText {
		var mu sync.Mutex
		opts.OnOutcome = func(o converge.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(stderr, outcomeLine(o))
		}
	}

	res := converge.Reconcile(ctx, eng, specs, opts)

	if !f.NoJournal {
		if err := recordRun(context.WithoutCancel(ctx), f.Journal, res); err != nil {
			slog.Warn("record run in journal failed", "path", f.Journal, "err", err)
		}
	}

	switch f.Output {
	case outputJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	default:
		fmt.Fprint(stdout, renderResult(res))
	}

	if res.Success {
		return nil
	}
	_, failed, skipped := res.Counts()
	return &cmdutil.ExitError{
		Code: res.ExitCode(),
		Err:  fmt.Errorf("%d of %d containers failed, %d skipped", failed, len(res.Outcomes), skipped),
	}
}

func recordRun(ctx context.Context, path string, res converge.BatchResult) error {
	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Record(ctx, res)
}
