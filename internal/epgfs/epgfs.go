// Package epgfs exposes the merged guide through a read-only FUSE mount.
// The live output sits at the mount root next to an archives/ directory
// holding the timestamped history, so media servers can read guides as
// plain files without talking to the HTTP API.
package epgfs

import (
	"hash/fnv"
	"os"
	"sort"
	"strings"
)

// Config locates the guide files served through the mount.
type Config struct {
	// CurrentDir holds the live output file.
	CurrentDir string
	// ArchiveDir holds displaced outputs under timestamp suffixes.
	ArchiveDir string
	// CurrentName resolves the live output filename on every directory
	// read, so a renamed output shows up without a remount.
	CurrentName func() string
}

// Server is a running mount. Unmount detaches it; Wait blocks until the
// kernel has released the mount point.
type Server interface {
	Unmount() error
	Wait()
}

// inoFor derives stable inode numbers from path-like keys so the
// same logical file keeps the same inode across lookups.
func inoFor(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte("epgfs:" + s))
	return h.Sum64()
}

// listArchives returns the archived guide filenames in dir, sorted. Nested
// directories and dotfiles are skipped; a missing dir reads as empty.
func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
