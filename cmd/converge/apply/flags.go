package applycmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"converge/cmd/converge/cmdutil"
	"converge/internal/converge"
	"converge/internal/spec"

	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// Flags holds the options shared by apply and plan.
type Flags struct {
	File             string
	Compose          bool
	Project          string
	Parallelism      int
	EngineTimeout    time.Duration
	ConnectTimeout   time.Duration
	RetryLimit       int
	StopTimeout      time.Duration
	DryRun           bool
	TieBreak         string
	RestoreOnFailure bool
	Journal          string
	NoJournal        bool
	Trace            bool
	Output           string
}

func (f *Flags) Bind(cmd *cobra.Command, allowDryRun bool) {
	flags := cmd.Flags()
	flags.StringVarP(&f.File, "file", "f", "", "Desired-state file (manifest or compose)")
	flags.BoolVar(&f.Compose, "compose", false, "Treat the file as a compose project")
	flags.StringVar(&f.Project, "project", "", "Compose project name (defaults to the file's name: or directory)")
	flags.IntVar(&f.Parallelism, "parallelism", 1, "Containers reconciled concurrently when they share no resources")
	flags.DurationVar(&f.EngineTimeout, "engine-timeout", converge.DefaultEngineTimeout, "Timeout for each engine call")
	flags.DurationVar(&f.ConnectTimeout, "connect-timeout", cmdutil.DefaultConnectTimeout, "How long to wait for the Docker daemon")
	flags.IntVar(&f.RetryLimit, "retry-limit", converge.DefaultRetryLimit, "Retries after a transient engine failure")
	flags.DurationVar(&f.StopTimeout, "stop-timeout", converge.DefaultStopTimeout, "Grace period for stopping containers")
	flags.StringVar(&f.TieBreak, "tie-break", converge.TieBreakRecreate.String(), "Action when both in-place and replace fields differ: recreate or update")
	flags.BoolVar(&f.RestoreOnFailure, "restore-on-failure", false, "Recreate the previous container when a recreate fails after removal")
	flags.StringVar(&f.Journal, "journal", cmdutil.DefaultJournalPath(), "Run journal database")
	flags.BoolVar(&f.NoJournal, "no-journal", false, "Do not record the run")
	flags.BoolVar(&f.Trace, "trace", false, "Print a line for every finished span to stderr")
	flags.StringVarP(&f.Output, "output", "o", outputText, "Output format: text or json")
	if allowDryRun {
		flags.BoolVar(&f.DryRun, "dry-run", false, "Compute actions without applying them")
	}
	_ = cmd.MarkFlagRequired("file")
}

// Options converts the flags into reconciler options. The tracer, logger and
// outcome callback are filled in by the caller.
func (f *Flags) Options() (converge.Options, error) {
	tieBreak, ok := converge.ParseTieBreak(f.TieBreak)
	if !ok {
		return converge.Options{}, fmt.Errorf("unsupported tie-break %q: want recreate or update", f.TieBreak)
	}
	if f.Parallelism < 1 {
		return converge.Options{}, fmt.Errorf("--parallelism must be at least 1, got %d", f.Parallelism)
	}
	if f.RetryLimit < 0 {
		return converge.Options{}, fmt.Errorf("--retry-limit must not be negative, got %d", f.RetryLimit)
	}
	switch f.Output {
	case outputText, outputJSON:
	default:
		return converge.Options{}, fmt.Errorf("unsupported output format %q", f.Output)
	}

	opts := converge.DefaultOptions()
	opts.Parallelism = f.Parallelism
	opts.EngineTimeout = f.EngineTimeout
	opts.RetryLimit = f.RetryLimit
	opts.StopTimeout = f.StopTimeout
	opts.DryRun = f.DryRun
	opts.TieBreak = tieBreak
	opts.RestoreOnFailure = f.RestoreOnFailure
	return opts, nil
}

// LoadSpecs reads the desired state. Files ending in compose.yaml or
// compose.yml are read as compose projects even without --compose.
func (f *Flags) LoadSpecs(ctx context.Context) ([]spec.DesiredSpec, error) {
	if !f.Compose && !looksLikeCompose(f.File) {
		return spec.LoadManifest(f.File)
	}
	data, err := os.ReadFile(f.File)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	project := f.Project
	if project == "" {
		project = filepath.Base(filepath.Dir(absOrSelf(f.File)))
	}
	return spec.LoadCompose(ctx, data, project)
}

func looksLikeCompose(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, name := range []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"} {
		if base == name {
			return true
		}
	}
	return false
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
