// Package ledger records export runs and per-document results in durable
// storage, alongside the resumable checkpoint.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	docexport "github.com/porticus-lab/go-doc-export"
)

// DefaultPath is the SQLite file used when none is given.
const DefaultPath = "docexport.db"

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is a row of the runs table.
type Run struct {
	ID          string     `yaml:"run_id"`
	StartedAt   time.Time  `yaml:"started_at"`
	FinishedAt  *time.Time `yaml:"finished_at,omitempty"`
	BaseURL     string     `yaml:"base_url,omitempty"`
	Destination string     `yaml:"destination,omitempty"`
	Resumed     bool       `yaml:"resumed,omitempty"`
	Status      string     `yaml:"status"`
	Discovered  int        `yaml:"discovered"`
	Completed   int        `yaml:"completed"`
	Success     int        `yaml:"success"`
	Failure     int        `yaml:"failure"`
	Remaining   int        `yaml:"remaining"`
}

// SQLite is a ledger in a local SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ docexport.Ledger = (*SQLite)(nil)

// openDB opens a SQLite database at the given path.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serialises
	// writers from concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: initializing schema: %w", err)
	}
	return db, nil
}

// OpenSQLite opens or creates the ledger at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultPath
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// StartRun inserts the run with status running.
func (s *SQLite) StartRun(ctx context.Context, run docexport.RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, base_url, destination, resumed, status)
		VALUES (?, ?, ?, ?, ?, 'running')
	`, run.ID, formatTime(run.StartedAt), run.BaseURL, run.Destination, run.Resumed)
	if err != nil {
		return fmt.Errorf("ledger: inserting run: %w", err)
	}
	return nil
}

// RecordResult stores a terminal result, replacing any earlier result for
// the same document in the run.
func (s *SQLite) RecordResult(ctx context.Context, runID string, r docexport.ExportResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, document_id, title, folder, state, attempts, path, pages,
		                     skipped, code, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, document_id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			path = excluded.path,
			pages = excluded.pages,
			skipped = excluded.skipped,
			code = excluded.code,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			recorded_at = excluded.recorded_at
	`, runID, r.Document.ID, r.Document.Title, r.Document.Folder(), string(r.State), r.Attempts,
		r.Path, r.Pages, r.Skipped, string(r.Code), r.Error, r.Duration.Milliseconds(),
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("ledger: recording result: %w", err)
	}
	return nil
}

// FinishRun stores the final counts and the run status.
func (s *SQLite) FinishRun(ctx context.Context, runID string, rep *docexport.Report) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, discovered = ?, completed = ?,
		                success = ?, failure = ?, remaining = ?
		WHERE run_id = ?
	`, formatTime(rep.FinishedAt), rep.Status(), rep.Discovered, rep.Completed,
		rep.Success, rep.Failure, rep.Remaining, runID)
	if err != nil {
		return fmt.Errorf("ledger: finishing run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. A non-positive limit
// returns all runs.
func (s *SQLite) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, base_url, destination, resumed, status,
		       discovered, completed, success, failure, remaining
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r             Run
			started       string
			finished      sql.NullString
			baseURL, dest sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &baseURL, &dest, &r.Resumed, &r.Status,
			&r.Discovered, &r.Completed, &r.Success, &r.Failure, &r.Remaining); err != nil {
			return nil, fmt.Errorf("ledger: scanning run: %w", err)
		}
		r.StartedAt = parseTime(started)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		r.BaseURL = baseURL.String
		r.Destination = dest.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Results returns the recorded results of a run, optionally only those in
// the given states.
func (s *SQLite) Results(ctx context.Context, runID string, states ...docexport.State) ([]docexport.ExportResult, error) {
	query := `
		SELECT document_id, title, folder, state, attempts, path, pages, skipped, code, error, duration_ms
		FROM results WHERE run_id = ?`
	args := []any{runID}
	if len(states) > 0 {
		query += " AND state IN (" + strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY recorded_at, document_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing results: %w", err)
	}
	defer rows.Close()

	var out []docexport.ExportResult
	for rows.Next() {
		var (
			r                       docexport.ExportResult
			title, folder, path     sql.NullString
			state, code, errMessage sql.NullString
			durationMS              int64
		)
		if err := rows.Scan(&r.Document.ID, &title, &folder, &state, &r.Attempts, &path, &r.Pages,
			&r.Skipped, &code, &errMessage, &durationMS); err != nil {
			return nil, fmt.Errorf("ledger: scanning result: %w", err)
		}
		r.Document.Title = title.String
		if folder.String != "" && folder.String != docexport.RootFolder {
			r.Document.FolderPath = strings.Split(folder.String, "/")
		}
		r.State = docexport.State(state.String)
		r.Path = path.String
		r.Code = docexport.ErrorCode(code.String)
		r.Error = errMessage.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
