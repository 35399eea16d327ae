package main

import (
	"fmt"
	"os"
	"runtime"

	applycmd "converge/cmd/converge/apply"
	"converge/cmd/converge/cmdutil"
	historycmd "converge/cmd/converge/history"
	"converge/cmd/converge/ui"
	"converge/internal/buildinfo"
	"converge/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug         bool
		logFormat     string
		noInteraction bool
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "converge",
		Short:         "Declarative Docker container reconciler",
		Version:       buildinfo.Resolved(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, logFormat); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Plain output without colors")

	root.AddCommand(applycmd.Cmd())
	root.AddCommand(applycmd.PlanCmd())
	root.AddCommand(historycmd.Cmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cmdutil.ExitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("",
				ui.KV("Version", buildinfo.Resolved()),
				ui.KV("Go", runtime.Version()),
				ui.KV("Platform", runtime.GOOS+"/"+runtime.GOARCH),
			))
		},
	}
}
