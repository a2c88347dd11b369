// Package oplog records the history of long-running operations (installs,
// downloads, transcriptions, corrections) in a local SQLite database. The log
// is append-oriented: an entry is opened when the operation starts and closed
// with its outcome, so an interrupted process leaves a visibly unfinished row
// rather than silence.
package oplog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"capstan/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when the schema changes; an old database must be
// deleted rather than migrated, the history is not precious.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by a different version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Outcome is the terminal status of a logged operation.
type Outcome string

const (
	OutcomeRunning    Outcome = "running"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSuperseded Outcome = "superseded"
)

// Entry is one recorded operation.
type Entry struct {
	ID         string     `json:"id"`
	Backend    string     `json:"backend"`
	Operation  string     `json:"operation"`
	Variant    string     `json:"variant,omitempty"`
	Target     string     `json:"target,omitempty"`
	Status     Outcome    `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store persists operation history.
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

// Open initializes or connects to the history database under the log
// directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.LogDir, "history.db"))
}

// OpenPath opens the history database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Begin opens a new running entry and returns its id.
func (s *Store) Begin(ctx context.Context, backend, operation, variant, target string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := s.execWithRetry(ctx,
		`INSERT INTO operations (id, backend, operation, variant, target, status, started_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, backend, operation, variant, target, string(OutcomeRunning), now)
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}
	return id, nil
}

// Finish closes an entry with its outcome. Detail carries the error message
// for failed outcomes and is empty otherwise.
func (s *Store) Finish(ctx context.Context, id string, outcome Outcome, detail string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := s.execWithRetry(ctx,
		`UPDATE operations SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		string(outcome), detail, now, id)
	if err != nil {
		return fmt.Errorf("finish operation: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first. A non-empty backend
// filters to one backend; limit <= 0 means a default of 50.
func (s *Store) Recent(ctx context.Context, backend string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, backend, operation, variant, target, status, detail, started_at, finished_at
              FROM operations`
	args := []any{}
	if backend != "" {
		query += " WHERE backend = ?"
		args = append(args, backend)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkStaleRunning flips entries left running by a dead process to failed.
// Called once at daemon startup, before any new operation begins.
func (s *Store) MarkStaleRunning(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ensureContext(ctx),
		`UPDATE operations SET status = ?, detail = ?, finished_at = ? WHERE status = ?`,
		string(OutcomeFailed), "interrupted by shutdown", now, string(OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("mark stale operations: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes finished entries beyond the newest keep rows.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ensureContext(ctx),
		`DELETE FROM operations WHERE status != ? AND id NOT IN (
            SELECT id FROM operations ORDER BY started_at DESC LIMIT ?
        )`, string(OutcomeRunning), keep)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var entry Entry
	var status, startedAt string
	var finishedAt sql.NullString
	if err := rows.Scan(&entry.ID, &entry.Backend, &entry.Operation, &entry.Variant,
		&entry.Target, &status, &entry.Detail, &startedAt, &finishedAt); err != nil {
		return Entry{}, fmt.Errorf("scan operation: %w", err)
	}
	entry.Status = Outcome(status)
	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse started_at: %w", err)
	}
	entry.StartedAt = ts
	if finishedAt.Valid {
		fts, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parse finished_at: %w", err)
		}
		entry.FinishedAt = &fts
	}
	return entry, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
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

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
