package feedcache

import (
	"errors"
	"strings"
)

var errBadFilename = errors.New("feedcache: invalid feed filename")

// ValidateFilename rejects names that could escape the cache directory or
// mangle the upstream URL. Feed names come from stored settings, which a
// client can set to anything.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errBadFilename
	case strings.ContainsAny(name, "/\\\x00"):
		return errBadFilename
	case strings.Contains(name, ".."):
		return errBadFilename
	}
	return nil
}
