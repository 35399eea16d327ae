package historycmd

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"converge/internal/adapter/sqlite"
	"converge/internal/converge"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	m.Run()
}

func seededStore(t *testing.T) (*sqlite.Store, time.Time) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := converge.BatchResult{
		RunID:   "run-1",
		Started: started,
		Outcomes: []converge.Outcome{
			{Name: "web", Action: converge.Action{Kind: converge.ActionCreate}, Success: true},
			{Name: "db", Action: converge.Action{Kind: converge.ActionCreate}, Kind: converge.KindPullFailed, Detail: "manifest unknown"},
		},
		Duration: 1500 * time.Millisecond,
	}
	if err := store.Record(t.Context(), res); err != nil {
		t.Fatal(err)
	}
	return store, started
}

func TestListRuns(t *testing.T) {
	store, started := seededStore(t)
	var out bytes.Buffer
	if err := listRuns(t.Context(), store, 10, started.Add(5*time.Minute), &out); err != nil {
		t.Fatalf("listRuns() error = %v", err)
	}
	for _, want := range []string{"run-1", "5 minutes ago", "failed", "1.5s"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShowRun(t *testing.T) {
	store, _ := seededStore(t)
	var out bytes.Buffer
	if err := showRun(t.Context(), store, "run-1", &out); err != nil {
		t.Fatalf("showRun() error = %v", err)
	}
	for _, want := range []string{"Run:", "run-1", "web", "db", "pull_failed", "manifest unknown"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}

	if err := showRun(t.Context(), store, "nope", &out); !errors.Is(err, sqlite.ErrRunNotFound) {
		t.Fatalf("showRun(unknown) error = %v, want ErrRunNotFound", err)
	}
}
