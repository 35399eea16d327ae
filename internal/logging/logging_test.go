package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: " DEBUG ", want: slog.LevelDebug},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLevel(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	t.Setenv(EnvLevel, "")
	var buf bytes.Buffer
	logger, err := New(&buf, LevelInfo, FormatJSON)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("reconciled", "container", "web")
	if !strings.Contains(buf.String(), `"container":"web"`) {
		t.Fatalf("json output = %q, want container attribute", buf.String())
	}
}

func TestNewEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	var buf bytes.Buffer
	logger, err := New(&buf, LevelDebug, FormatText)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Warn("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected warn to be filtered at error level, got %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Setenv(EnvLevel, "")
	if _, err := New(&bytes.Buffer{}, LevelInfo, "xml"); err == nil {
		t.Fatal("New() expected error for unknown format")
	}
}
