package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ChannelVersion is the metadata row for a saved channel selection file.
// The current version carries the bare channels filename; archived versions
// carry a .YYYYMMDD_HHMMSS suffix.
type ChannelVersion struct {
	Filename      string    `json:"filename"`
	CreatedAt     time.Time `json:"created_at"`
	SourcesCount  int       `json:"sources_count"`
	ChannelsCount int       `json:"channels_count"`
	SizeBytes     int64     `json:"size_bytes"`
}

// UpsertChannelVersion inserts or replaces the row for v.Filename.
func (s *Store) UpsertChannelVersion(v ChannelVersion) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_versions (filename, created_at, sources_count, channels_count, size_bytes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(filename) DO UPDATE SET
		   created_at = excluded.created_at,
		   sources_count = excluded.sources_count,
		   channels_count = excluded.channels_count,
		   size_bytes = excluded.size_bytes`,
		v.Filename, encodeTime(v.CreatedAt), v.SourcesCount, v.ChannelsCount, v.SizeBytes)
	if err != nil {
		return fmt.Errorf("upsert channel version %s: %w", v.Filename, err)
	}
	return nil
}

// GetChannelVersion returns the row for filename, or ErrNotFound.
func (s *Store) GetChannelVersion(filename string) (ChannelVersion, error) {
	var v ChannelVersion
	var created string
	err := s.db.QueryRow(
		`SELECT filename, created_at, sources_count, channels_count, size_bytes
		 FROM channel_versions WHERE filename = ?`, filename).
		Scan(&v.Filename, &created, &v.SourcesCount, &v.ChannelsCount, &v.SizeBytes)
	if err == sql.ErrNoRows {
		return ChannelVersion{}, fmt.Errorf("channel version %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return ChannelVersion{}, fmt.Errorf("get channel version %s: %w", filename, err)
	}
	v.CreatedAt = decodeTime(created)
	return v, nil
}

// ListChannelVersions returns all channel-version rows, newest first.
func (s *Store) ListChannelVersions() ([]ChannelVersion, error) {
	rows, err := s.db.Query(
		`SELECT filename, created_at, sources_count, channels_count, size_bytes
		 FROM channel_versions ORDER BY created_at DESC, filename DESC`)
	if err != nil {
		return nil, fmt.Errorf("list channel versions: %w", err)
	}
	defer rows.Close()
	var out []ChannelVersion
	for rows.Next() {
		var v ChannelVersion
		var created string
		if err := rows.Scan(&v.Filename, &created, &v.SourcesCount, &v.ChannelsCount, &v.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan channel version: %w", err)
		}
		v.CreatedAt = decodeTime(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel versions: %w", err)
	}
	return out, nil
}

// DeleteChannelVersion removes the row for filename.
func (s *Store) DeleteChannelVersion(filename string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM channel_versions WHERE filename = ?`, filename)
	if err != nil {
		return false, fmt.Errorf("delete channel version %s: %w", filename, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
