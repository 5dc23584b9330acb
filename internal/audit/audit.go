// Package audit records one row per completed build/check invocation to a
// local sqlite database, so `cargocap report --history N` can show recent
// run outcomes even though the tool itself keeps no in-memory history
// across process invocations.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"
)

// RunRecord is one row: the outcome of a single cargocap build/check run.
type RunRecord struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    time.Time
	ProblemCount  int
	ResolvedCount int
	ExitCode      int
}

// Store wraps a sqlite connection holding the run-history table.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.cargocap/history.db, creating the parent directory
// if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".cargocap")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating history directory: %w", err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the run_records table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS run_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	problem_count INTEGER NOT NULL,
	resolved_count INTEGER NOT NULL,
	exit_code INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Append inserts rec as a new row, returning its assigned ID.
func (s *Store) Append(ctx context.Context, rec RunRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records (started_at, finished_at, problem_count, resolved_count, exit_code) VALUES (?, ?, ?, ?, ?)`,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(), rec.ProblemCount, rec.ResolvedCount, rec.ExitCode,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run record: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns the last n run records, most recent first.
func (s *Store) Recent(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, problem_count, resolved_count, exit_code FROM run_records ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var startedUnix, finishedUnix int64
		if err := rows.Scan(&rec.ID, &startedUnix, &finishedUnix, &rec.ProblemCount, &rec.ResolvedCount, &rec.ExitCode); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		rec.StartedAt = time.Unix(startedUnix, 0).UTC()
		rec.FinishedAt = time.Unix(finishedUnix, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
