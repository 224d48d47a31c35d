// Package channels persists the user's channel selection as versioned JSON
// files. The current selection lives at channels_dir/<channels_filename>;
// saving a new selection pushes the previous file aside with a UTC timestamp
// suffix, mirroring how merged guide files are archived.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/snapetech/epgmerge/internal/store"
)

// tsLayout suffixes archived versions: channels.json.20260824_001500.
const tsLayout = "20060102_150405"

var (
	ErrIsCurrent = errors.New("channels: file is the current version")
	ErrNotFound  = errors.New("channels: version not found")
	errBadName   = errors.New("channels: invalid filename")
)

// versionFile is the on-disk shape of one saved selection.
type versionFile struct {
	Channels     []string `json:"channels"`
	SourcesCount int      `json:"sources_count"`
	CreatedAt    string   `json:"created_at"`
}

// Backup is the export shape served to clients for offline copies.
type Backup struct {
	Channels   []string `json:"channels"`
	ExportedAt string   `json:"exported_at"`
	Count      int      `json:"count"`
}

// Manager owns the channels dir and keeps the Store's channel-version rows
// in step with the files.
type Manager struct {
	Store *store.Store
	Dir   string
}

// SaveWithVersioning writes the selection as the current version file,
// archiving any previous current file under a timestamp suffix. The Store's
// selected-channel set is replaced so the selection survives independently
// of the files. Returns the new current version row.
func (m *Manager) SaveWithVersioning(channels []string, sourcesCount int, filename string) (store.ChannelVersion, error) {
	if err := checkName(filename); err != nil {
		return store.ChannelVersion{}, err
	}
	set := dedup(channels)
	if len(set) == 0 {
		return store.ChannelVersion{}, fmt.Errorf("channels: empty selection")
	}

	now := time.Now().UTC()
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return store.ChannelVersion{}, fmt.Errorf("channels: %w", err)
	}
	currentPath := filepath.Join(m.Dir, filename)

	if _, err := os.Stat(currentPath); err == nil {
		archivedName := filename + "." + now.Format(tsLayout)
		if err := os.Rename(currentPath, filepath.Join(m.Dir, archivedName)); err != nil {
			return store.ChannelVersion{}, fmt.Errorf("channels: displace current: %w", err)
		}
		if err := m.Store.UpsertChannelVersion(m.archivedRow(filename, archivedName)); err != nil {
			return store.ChannelVersion{}, err
		}
	}

	if err := writeJSONFile(currentPath, versionFile{
		Channels:     set,
		SourcesCount: sourcesCount,
		CreatedAt:    now.Format(time.RFC3339),
	}); err != nil {
		return store.ChannelVersion{}, err
	}
	fi, err := os.Stat(currentPath)
	if err != nil {
		return store.ChannelVersion{}, fmt.Errorf("channels: %w", err)
	}

	row := store.ChannelVersion{
		Filename:      filename,
		CreatedAt:     now,
		SourcesCount:  sourcesCount,
		ChannelsCount: len(set),
		SizeBytes:     fi.Size(),
	}
	if err := m.Store.UpsertChannelVersion(row); err != nil {
		return store.ChannelVersion{}, err
	}
	if err := m.Store.ReplaceSelectedChannels(set); err != nil {
		return store.ChannelVersion{}, err
	}
	return row, nil
}

// archivedRow carries the displaced file's metadata to its archived name,
// synthesising a row from file stats when none was recorded.
func (m *Manager) archivedRow(filename, archivedName string) store.ChannelVersion {
	if prev, err := m.Store.GetChannelVersion(filename); err == nil {
		prev.Filename = archivedName
		return prev
	}
	row := store.ChannelVersion{Filename: archivedName}
	if fi, err := os.Stat(filepath.Join(m.Dir, archivedName)); err == nil {
		row.SizeBytes = fi.Size()
		row.CreatedAt = fi.ModTime().UTC()
	}
	if v, err := m.Load(archivedName); err == nil {
		row.ChannelsCount = len(v)
	}
	return row
}

// Load reads a version file and returns its channel IDs.
func (m *Manager) Load(filename string) ([]string, error) {
	if err := checkName(filename); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.Dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return nil, fmt.Errorf("channels: read %s: %w", filename, err)
	}
	var v versionFile
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("channels: parse %s: %w", filename, err)
	}
	return v.Channels, nil
}

// Delete removes an archived version file and its row. The current version
// cannot be deleted.
func (m *Manager) Delete(filename, currentFilename string) error {
	if err := checkName(filename); err != nil {
		return err
	}
	if filename == currentFilename {
		return fmt.Errorf("%w: %s", ErrIsCurrent, filename)
	}
	fileErr := os.Remove(filepath.Join(m.Dir, filename))
	rowDeleted, err := m.Store.DeleteChannelVersion(filename)
	if err != nil {
		return err
	}
	if fileErr != nil && !os.IsNotExist(fileErr) {
		return fmt.Errorf("channels: %w", fileErr)
	}
	if os.IsNotExist(fileErr) && !rowDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	return nil
}

// Export returns the selection in the backup shape clients download.
func Export(selected []string, now time.Time) Backup {
	set := dedup(selected)
	return Backup{
		Channels:   set,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Count:      len(set),
	}
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", errBadName, name)
	}
	return nil
}

// writeJSONFile lands the document atomically: temp file in the same dir,
// then rename.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("channels: encode: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("channels: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("channels: write: %w", writeErr)
		}
		return fmt.Errorf("channels: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("channels: rename: %w", err)
	}
	return nil
}
