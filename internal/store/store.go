// Package store keeps a SQLite ledger of pipeline runs and their stage outcomes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/nanorun/pkg/api"
)

// ErrNotFound is returned when a run ID is not in the ledger.
var ErrNotFound = errors.New("run not found")

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the ledger at path and applies the schema.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway and this keeps :memory: on one connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Ping checks the ledger connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// BeginRun records a run as running before any stage executes.
func (s *Store) BeginRun(ctx context.Context, run api.RunRecord) error {
	if run.Status == "" {
		run.Status = api.RunRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, run_name, model_tag, depth, resume_step, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunName, run.ModelTag, run.Depth, run.ResumeStep, string(run.Status), formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the final status and replaces the run's stage rows.
func (s *Store) FinishRun(ctx context.Context, run api.RunRecord, stages []api.StageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, report = ?, error = ? WHERE id = ?`,
		string(run.Status), formatTime(run.FinishedAt), run.Report, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear stages: %w", err)
	}
	for _, st := range stages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stages (run_id, seq, name, outcome, exit_code, duration_ns, message)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, st.Seq, st.Name, string(st.Outcome), st.ExitCode, int64(st.Duration), st.Message)
		if err != nil {
			return fmt.Errorf("insert stage %s: %w", st.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `id, run_name, model_tag, depth, resume_step, status, started_at, finished_at, report, error`

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []api.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun looks up a run by ID, or by a unique ID prefix.
func (s *Store) GetRun(ctx context.Context, id string) (api.RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return api.RunRecord{}, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id LIKE ? ESCAPE '\' LIMIT 2`, likePrefix(id))
	if err != nil {
		return api.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()
	var found []api.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return api.RunRecord{}, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return api.RunRecord{}, err
	}
	switch len(found) {
	case 0:
		return api.RunRecord{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return api.RunRecord{}, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// likePrefix escapes LIKE wildcards so id only matches literally.
func likePrefix(id string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(id) + "%"
}

// ListStages returns a run's stage rows in execution order.
func (s *Store) ListStages(ctx context.Context, runID string) ([]api.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, name, outcome, exit_code, duration_ns, message FROM stages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()
	var out []api.StageRecord
	for rows.Next() {
		var st api.StageRecord
		var outcome string
		var dur int64
		if err := rows.Scan(&st.RunID, &st.Seq, &st.Name, &outcome, &st.ExitCode, &dur, &st.Message); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Outcome = api.Outcome(outcome)
		st.Duration = time.Duration(dur)
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(rows rowScanner) (api.RunRecord, error) {
	var r api.RunRecord
	var status, started, finished string
	if err := rows.Scan(&r.ID, &r.RunName, &r.ModelTag, &r.Depth, &r.ResumeStep, &status, &started, &finished, &r.Report, &r.Error); err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Status = api.RunStatus(status)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// timeLayout is fixed width so ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
