// Package history keeps a local SQLite record of backup, restore,
// rollback and sweep runs for the status command.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored times sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry kinds
const (
	KindBackup   = "backup"
	KindRestore  = "restore"
	KindRollback = "rollback"
	KindSweep    = "sweep"
	KindVerify   = "verify"
)

// Entry is one recorded run
type Entry struct {
	ID       int64     `json:"id" yaml:"id"`
	Kind     string    `json:"kind" yaml:"kind"`
	Ref      string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Target   string    `json:"target,omitempty" yaml:"target,omitempty"`
	Status   string    `json:"status" yaml:"status"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Started  time.Time `json:"started" yaml:"started"`
	Finished time.Time `json:"finished" yaml:"finished"`
}

// Duration returns how long the run took
func (e Entry) Duration() time.Duration {
	if e.Finished.IsZero() || e.Started.IsZero() {
		return 0
	}
	return e.Finished.Sub(e.Started)
}

// Store represents the history database
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		ref TEXT,
		target TEXT,
		status TEXT NOT NULL,
		detail TEXT,
		started TEXT NOT NULL,
		finished TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Record appends e and returns its id
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (kind, ref, target, status, detail, started, finished) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Ref, e.Target, e.Status, e.Detail,
		e.Started.UTC().Format(timeLayout), e.Finished.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to record %s run: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first. A limit of zero or
// less returns every entry.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, kind, ref, target, status, detail, started, finished FROM runs ORDER BY started DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			ref, target, det  sql.NullString
			started, finished string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &ref, &target, &e.Status, &det, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Ref, e.Target, e.Detail = ref.String, target.String, det.String
		if e.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("invalid start time in history row %d: %w", e.ID, err)
		}
		if e.Finished, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("invalid finish time in history row %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastByKind returns the newest entry of kind, or nil if there is none
func (s *Store) LastByKind(ctx context.Context, kind string) (*Entry, error) {
	entries, err := s.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Kind == kind {
			return &entries[i], nil
		}
	}
	return nil, nil
}
