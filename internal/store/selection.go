package store

import (
	"fmt"
	"sort"
)

// ReplaceSelectedChannels atomically clears and rewrites the selected set.
// Duplicate IDs collapse to one row.
func (s *Store) ReplaceSelectedChannels(channels []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace selected channels: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM selected_channels`); err != nil {
		return fmt.Errorf("replace selected channels: clear: %w", err)
	}
	for _, id := range channels {
		if id == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO selected_channels (channel_id) VALUES (?)
			 ON CONFLICT(channel_id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("replace selected channels: insert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListSelectedChannels returns the selected channel IDs sorted for stable output.
func (s *Store) ListSelectedChannels() ([]string, error) {
	rows, err := s.db.Query(`SELECT channel_id FROM selected_channels`)
	if err != nil {
		return nil, fmt.Errorf("list selected channels: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan selected channel: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list selected channels: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
