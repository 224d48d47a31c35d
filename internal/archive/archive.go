// Package archive owns the live guide file and its timestamped history.
// Promotion moves a finished merge from the tmp dir into current_dir,
// pushing the previous live file into archive_dir.
package archive

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/store"
)

// tsLayout suffixes archived files: merged.xml.gz.20260824_001500.
const tsLayout = "20060102_150405"

var (
	ErrNoTempOutput = errors.New("archive: no merge output in tmp dir")
	ErrIsCurrent    = errors.New("archive: file is the live output")
	ErrNotFound     = errors.New("archive: not found")
	errBadName      = errors.New("archive: invalid filename")
)

// Manager moves merge outputs through tmp -> current -> archive and keeps
// the Store's archive rows in step with the files.
type Manager struct {
	Store      *store.Store
	TmpDir     string
	CurrentDir string
	ArchiveDir string
}

// Promote makes tmp_dir/<outputFilename> the live file. Any previous live
// file is renamed into the archive dir with a UTC timestamp suffix and keeps
// its recorded metadata. Returns the archived filename, empty when there was
// no previous live file.
func (m *Manager) Promote(outputFilename string, channels, programs, daysIncluded int, sweepExpired bool) (string, error) {
	if err := checkName(outputFilename); err != nil {
		return "", err
	}
	tmpPath := filepath.Join(m.TmpDir, outputFilename)
	if _, err := os.Stat(tmpPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoTempOutput, outputFilename)
		}
		return "", fmt.Errorf("archive: %w", err)
	}

	now := time.Now().UTC()
	currentPath := filepath.Join(m.CurrentDir, outputFilename)

	var archivedName string
	if _, err := os.Stat(currentPath); err == nil {
		archivedName = outputFilename + "." + now.Format(tsLayout)
		if err := os.MkdirAll(m.ArchiveDir, 0755); err != nil {
			return "", fmt.Errorf("archive: %w", err)
		}
		archivedPath := filepath.Join(m.ArchiveDir, archivedName)
		if err := moveFile(currentPath, archivedPath); err != nil {
			return "", fmt.Errorf("archive: displace current: %w", err)
		}
		if err := m.Store.UpsertArchive(m.archivedRow(outputFilename, archivedName, archivedPath)); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(m.CurrentDir, 0755); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if err := moveFile(tmpPath, currentPath); err != nil {
		return "", fmt.Errorf("archive: promote: %w", err)
	}
	fi, err := os.Stat(currentPath)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	err = m.Store.UpsertArchive(store.Archive{
		Filename:     outputFilename,
		CreatedAt:    now,
		Channels:     channels,
		Programs:     programs,
		DaysIncluded: daysIncluded,
		SizeBytes:    fi.Size(),
	})
	if err != nil {
		return "", err
	}

	if sweepExpired {
		if _, err := m.Sweep(outputFilename); err != nil {
			log.Printf("archive: sweep after promote: %v", err)
		}
	}
	return archivedName, nil
}

// archivedRow carries the displaced file's metadata to its new name. A file
// with no recorded row gets one synthesised from its stats.
func (m *Manager) archivedRow(outputFilename, archivedName, archivedPath string) store.Archive {
	if prev, err := m.Store.GetArchive(outputFilename); err == nil {
		prev.Filename = archivedName
		return prev
	}
	row := store.Archive{Filename: archivedName}
	if fi, err := os.Stat(archivedPath); err == nil {
		row.SizeBytes = fi.Size()
		row.CreatedAt = fi.ModTime().UTC()
	}
	return row
}

// ClearTemp deletes every regular file in the tmp dir and reports what was
// freed.
func (m *Manager) ClearTemp() (deleted int, freedMB float64, err error) {
	entries, err := os.ReadDir(m.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("archive: %w", err)
	}
	var freed int64
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		info, ierr := ent.Info()
		if ierr != nil {
			continue
		}
		if rerr := os.Remove(filepath.Join(m.TmpDir, ent.Name())); rerr != nil {
			log.Printf("archive: clear temp %s: %v", ent.Name(), rerr)
			continue
		}
		deleted++
		freed += info.Size()
	}
	return deleted, math.Round(float64(freed)/(1<<20)*100) / 100, nil
}

// Sweep removes archives whose created_at plus days_included falls before
// today, comparing UTC dates. The live file's row is exempt. Returns the
// filenames removed.
func (m *Manager) Sweep(currentFilename string) ([]string, error) {
	rows, err := m.Store.ListArchives()
	if err != nil {
		return nil, err
	}
	today := dateOf(time.Now())
	removed := []string{}
	for _, row := range rows {
		if row.Filename == currentFilename {
			continue
		}
		expiry := dateOf(row.CreatedAt).AddDate(0, 0, row.DaysIncluded)
		if !expiry.Before(today) {
			continue
		}
		if err := os.Remove(filepath.Join(m.ArchiveDir, row.Filename)); err != nil && !os.IsNotExist(err) {
			log.Printf("archive: sweep %s: %v", row.Filename, err)
			continue
		}
		if _, err := m.Store.DeleteArchive(row.Filename); err != nil {
			return removed, err
		}
		removed = append(removed, row.Filename)
	}
	if len(removed) > 0 {
		metrics.ArchivesSweptTotal.Add(float64(len(removed)))
		log.Printf("archive: swept %d expired archive(s)", len(removed))
	}
	return removed, nil
}

// Delete removes one archived file and its row. The live output cannot be
// deleted.
func (m *Manager) Delete(filename, currentFilename string) error {
	if err := checkName(filename); err != nil {
		return err
	}
	if filename == currentFilename {
		return fmt.Errorf("%w: %s", ErrIsCurrent, filename)
	}
	fileErr := os.Remove(filepath.Join(m.ArchiveDir, filename))
	rowDeleted, err := m.Store.DeleteArchive(filename)
	if err != nil {
		return err
	}
	if fileErr != nil && !os.IsNotExist(fileErr) {
		return fmt.Errorf("archive: %w", fileErr)
	}
	if os.IsNotExist(fileErr) && !rowDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	return nil
}

// PathFor resolves a download request: the live name maps into current_dir,
// anything else into archive_dir.
func (m *Manager) PathFor(filename, currentFilename string) (string, error) {
	if err := checkName(filename); err != nil {
		return "", err
	}
	if filename == currentFilename {
		return filepath.Join(m.CurrentDir, filename), nil
	}
	return filepath.Join(m.ArchiveDir, filename), nil
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", errBadName, name)
	}
	return nil
}

func dateOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// moveFile renames src onto dst, falling back to copy-and-delete when they
// sit on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	if _, err := tmp.ReadFrom(in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Remove(src)
}
