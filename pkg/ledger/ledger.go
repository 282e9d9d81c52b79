// Package ledger keeps a SQLite history of pipeline runs.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is one recorded pipeline run.
type Entry struct {
	ID          int64
	RunID       string
	Subject     int
	OutDir      string
	Status      string
	FailedStage string
	ErrorKind   string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration

	BrainFraction float64
	GrayMatterML  float64
	WhiteMatterML float64
	CSFML         float64
}

// Store persists entries.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    subject INTEGER NOT NULL,
    out_dir TEXT NOT NULL,
    status TEXT NOT NULL,
    failed_stage TEXT,
    error_kind TEXT,
    error_message TEXT,
    started_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    brain_fraction REAL,
    gm_ml REAL,
    wm_ml REAL,
    csf_ml REAL
)`

const entryColumns = `id, run_id, subject, out_dir, status, failed_stage, error_kind, error_message,
    started_at, duration_ms, brain_fraction, gm_ml, wm_ml, csf_ml`

// Open creates or opens the ledger database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ensure ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Record inserts e and returns its row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT INTO runs (
                run_id, subject, out_dir, status, failed_stage, error_kind, error_message,
                started_at, duration_ms, brain_fraction, gm_ml, wm_ml, csf_ml
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID,
			e.Subject,
			e.OutDir,
			e.Status,
			nullableString(e.FailedStage),
			nullableString(e.ErrorKind),
			nullableString(e.Error),
			e.StartedAt.UTC().Format(time.RFC3339Nano),
			e.Duration.Milliseconds(),
			e.BrainFraction,
			e.GrayMatterML,
			e.WhiteMatterML,
			e.CSFML,
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                          Entry
			failedStage, kind, message sql.NullString
			startedAt                  string
			durationMS                 int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Subject, &e.OutDir, &e.Status, &failedStage, &kind, &message,
			&startedAt, &durationMS, &e.BrainFraction, &e.GrayMatterML, &e.WhiteMatterML, &e.CSFML); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.FailedStage = failedStage.String
		e.ErrorKind = kind.String
		e.Error = message.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
