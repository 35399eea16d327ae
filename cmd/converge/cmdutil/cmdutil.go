package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"converge/internal/adapter/docker"
)

const (
	EnvJournal = "CONVERGE_JOURNAL"

	// DefaultConnectTimeout bounds the wait for the Docker daemon to answer
	// before a command gives up.
	DefaultConnectTimeout = 15 * time.Second
)

// ExitError carries a process exit code other than 1 out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code: 0 for nil, the
// carried code for an ExitError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// DefaultJournalPath resolves the journal location from CONVERGE_JOURNAL,
// then XDG_STATE_HOME, then ~/.local/state.
func DefaultJournalPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvJournal)); p != "" {
		return p
	}
	stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "converge", "journal.db")
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "converge", "journal.db")
}

// ConnectDocker opens a Docker runtime from the environment and waits up to
// timeout for the daemon to answer.
func ConnectDocker(ctx context.Context, timeout time.Duration) (*docker.Runtime, error) {
	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rt.WaitReady(waitCtx); err != nil {
		_ = rt.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("docker daemon did not answer within %s", timeout)
		}
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return rt, nil
}
