// Package sqlite keeps a journal of reconciliation runs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"converge/internal/converge"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is the stored summary of one reconciliation pass.
type Run struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Success  bool
	Halted   bool
	Canceled bool
	DryRun   bool
	Total    int
	Failed   int
	Skipped  int
}

// Item is the stored outcome of one container within a run.
type Item struct {
	Position  int
	Container string
	Action    string
	Success   bool
	Skipped   bool
	Kind      string
	Detail    string
	Duration  time.Duration
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	success INTEGER NOT NULL,
	halted INTEGER NOT NULL DEFAULT 0,
	canceled INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	skipped INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("initialize runs schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS run_items (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	container TEXT NOT NULL,
	action TEXT NOT NULL,
	action_json TEXT NOT NULL,
	success INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	error_kind TEXT NOT NULL,
	detail TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, position)
)`); err != nil {
		return fmt.Errorf("initialize run items schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a batch result and its outcomes in one transaction.
func (s *Store) Record(ctx context.Context, res converge.BatchResult) error {
	runID := strings.TrimSpace(res.RunID)
	if runID == "" {
		return fmt.Errorf("record run: run id is required")
	}
	_, failed, skipped := res.Counts()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record run transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (run_id, started_at, duration_ms, success, halted, canceled, dry_run, total, failed, skipped)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		res.Started.UTC().Format(timeLayout),
		res.Duration.Milliseconds(),
		boolToInt(res.Success),
		boolToInt(res.Halted),
		boolToInt(res.Canceled),
		boolToInt(res.DryRun),
		len(res.Outcomes),
		failed,
		skipped,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO run_items (run_id, position, container, action, action_json, success, skipped, error_kind, detail, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare run item insert: %w", err)
	}
	defer stmt.Close()

	for i, o := range res.Outcomes {
		actionJSON, err := json.Marshal(o.Action)
		if err != nil {
			return fmt.Errorf("marshal action for %s: %w", o.Name, err)
		}
		action := ""
		if o.Action.Kind.IsValid() {
			action = o.Action.String()
		}
		kind := ""
		if o.Kind != converge.KindNone {
			kind = o.Kind.String()
		}
		if _, err := stmt.ExecContext(ctx,
			runID, i, o.Name, action, string(actionJSON),
			boolToInt(o.Success), boolToInt(o.Skipped), kind, o.Detail, o.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert run item %s/%s: %w", runID, o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record run transaction: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. A limit of 0 or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT run_id, started_at, duration_ms, success, halted, canceled, dry_run, total, failed, skipped
FROM runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run, or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, started_at, duration_ms, success, halted, canceled, dry_run, total, failed, skipped
FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// RunItems returns the outcomes of a run in input order.
func (s *Store) RunItems(ctx context.Context, runID string) ([]Item, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT position, container, action, success, skipped, error_kind, detail, duration_ms
FROM run_items WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		var item Item
		var success, skipped int
		var durationMS int64
		if err := rows.Scan(&item.Position, &item.Container, &item.Action, &success, &skipped, &item.Kind, &item.Detail, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run item row: %w", err)
		}
		item.Success = success != 0
		item.Skipped = skipped != 0
		item.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run items: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var startedRaw string
	var durationMS int64
	var success, halted, canceled, dryRun int
	if err := row.Scan(&run.ID, &startedRaw, &durationMS, &success, &halted, &canceled, &dryRun, &run.Total, &run.Failed, &run.Skipped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run row: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedRaw)
	if err != nil {
		return Run{}, fmt.Errorf("parse run %s started_at: %w", run.ID, err)
	}
	run.Started = started
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Success = success != 0
	run.Halted = halted != 0
	run.Canceled = canceled != 0
	run.DryRun = dryRun != 0
	return run, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
