// Package store persists settings, the selected-channel set, archive and
// channel-version metadata, and job history in a single SQLite file.
//
// One connection is used serially (SetMaxOpenConns(1)); every operation is
// synchronous. Startup migration is additive only: tables are created if
// missing and new columns are added with ALTER TABLE, so older databases
// keep working without a rewrite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnavailable wraps a failure to open or ping the backing file.
	ErrUnavailable = errors.New("store unavailable")
	// ErrSchema wraps a failed additive migration.
	ErrSchema = errors.New("store schema mismatch")
	// ErrNotFound is returned for lookups of rows that do not exist.
	ErrNotFound = errors.New("not found")
)

// Store is the durable process-local store.
type Store struct {
	db       *sql.DB
	defaults map[string]string
}

// Open opens (creating if needed) the SQLite file at path and runs the
// idempotent migration. defaults supplies the declared default value for
// each recognised setting key; see Defaults.
func Open(path string, defaults map[string]string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, path, err)
	}
	s := &Store{db: db, defaults: defaults}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the backing file is reachable.
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS selected_channels (
			channel_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS archives (
			filename      TEXT PRIMARY KEY,
			created_at    TEXT NOT NULL,
			channels      INTEGER NOT NULL DEFAULT 0,
			programs      INTEGER NOT NULL DEFAULT 0,
			days_included INTEGER NOT NULL DEFAULT 0,
			size_bytes    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS channel_versions (
			filename       TEXT PRIMARY KEY,
			created_at     TEXT NOT NULL,
			sources_count  INTEGER NOT NULL DEFAULT 0,
			channels_count INTEGER NOT NULL DEFAULT 0,
			size_bytes     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id     TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			started_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: create table: %v", ErrSchema, err)
		}
	}
	// Columns added after the first release. Existing rows default to NULL.
	jobCols := []struct{ name, typ string }{
		{"completed_at", "TEXT"},
		{"merge_filename", "TEXT"},
		{"channels_included", "INTEGER"},
		{"programs_included", "INTEGER"},
		{"file_size", "TEXT"},
		{"peak_memory_mb", "REAL"},
		{"days_included", "INTEGER"},
		{"error_message", "TEXT"},
		{"execution_time_seconds", "REAL"},
	}
	for _, col := range jobCols {
		if err := s.ensureColumn("jobs", col.name, col.typ); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if the table does not already have it.
func (s *Store) ensureColumn(table, column, typ string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("%w: table_info %s: %v", ErrSchema, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("%w: scan table_info %s: %v", ErrSchema, table, err)
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: table_info %s: %v", ErrSchema, table, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)); err != nil {
		return fmt.Errorf("%w: add column %s.%s: %v", ErrSchema, table, column, err)
	}
	return nil
}

// Timestamps are stored as RFC3339 UTC strings.
func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
