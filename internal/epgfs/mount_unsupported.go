//go:build !linux

package epgfs

import "fmt"

// Mount is unavailable off Linux because the guide mount depends on go-fuse.
func Mount(dir string, cfg Config) (Server, error) {
	return nil, fmt.Errorf("epgfs: guide mount is only supported on linux builds")
}
