package cmdutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain", err: errors.New("boom"), want: 1},
		{name: "exit error", err: &ExitError{Code: 2}, want: 2},
		{name: "wrapped", err: fmt.Errorf("apply: %w", &ExitError{Code: 2, Err: errors.New("x")}), want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDefaultJournalPath(t *testing.T) {
	t.Setenv(EnvJournal, "")
	t.Setenv("XDG_STATE_HOME", "/var/state")
	if got, want := DefaultJournalPath(), filepath.Join("/var/state", "converge", "journal.db"); got != want {
		t.Fatalf("DefaultJournalPath() = %q, want %q", got, want)
	}

	t.Setenv(EnvJournal, "/tmp/j.db")
	if got := DefaultJournalPath(); got != "/tmp/j.db" {
		t.Fatalf("DefaultJournalPath() = %q, want env override", got)
	}
}
