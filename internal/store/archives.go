package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Archive is the metadata row for the current merged file or one of its
// timestamped predecessors.
type Archive struct {
	Filename     string    `json:"filename"`
	CreatedAt    time.Time `json:"created_at"`
	Channels     int       `json:"channels"`
	Programs     int       `json:"programs"`
	DaysIncluded int       `json:"days_included"`
	SizeBytes    int64     `json:"size_bytes"`
}

// UpsertArchive inserts or replaces the row for a.Filename.
func (s *Store) UpsertArchive(a Archive) error {
	_, err := s.db.Exec(
		`INSERT INTO archives (filename, created_at, channels, programs, days_included, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(filename) DO UPDATE SET
		   created_at = excluded.created_at,
		   channels = excluded.channels,
		   programs = excluded.programs,
		   days_included = excluded.days_included,
		   size_bytes = excluded.size_bytes`,
		a.Filename, encodeTime(a.CreatedAt), a.Channels, a.Programs, a.DaysIncluded, a.SizeBytes)
	if err != nil {
		return fmt.Errorf("upsert archive %s: %w", a.Filename, err)
	}
	return nil
}

// GetArchive returns the row for filename, or ErrNotFound.
func (s *Store) GetArchive(filename string) (Archive, error) {
	var a Archive
	var created string
	err := s.db.QueryRow(
		`SELECT filename, created_at, channels, programs, days_included, size_bytes
		 FROM archives WHERE filename = ?`, filename).
		Scan(&a.Filename, &created, &a.Channels, &a.Programs, &a.DaysIncluded, &a.SizeBytes)
	if err == sql.ErrNoRows {
		return Archive{}, fmt.Errorf("archive %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return Archive{}, fmt.Errorf("get archive %s: %w", filename, err)
	}
	a.CreatedAt = decodeTime(created)
	return a, nil
}

// ListArchives returns all archive rows, newest first.
func (s *Store) ListArchives() ([]Archive, error) {
	rows, err := s.db.Query(
		`SELECT filename, created_at, channels, programs, days_included, size_bytes
		 FROM archives ORDER BY created_at DESC, filename DESC`)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()
	var out []Archive
	for rows.Next() {
		var a Archive
		var created string
		if err := rows.Scan(&a.Filename, &created, &a.Channels, &a.Programs, &a.DaysIncluded, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		a.CreatedAt = decodeTime(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return out, nil
}

// DeleteArchive removes the row for filename. Removing a missing row is not
// an error here; file-level checks live in the archive manager.
func (s *Store) DeleteArchive(filename string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM archives WHERE filename = ?`, filename)
	if err != nil {
		return false, fmt.Errorf("delete archive %s: %w", filename, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
