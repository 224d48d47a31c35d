// Package feedcache keeps local copies of upstream feeds so repeated merges
// reuse bytes already on disk. A copy is trusted for 24 hours; inside that
// window a HEAD probe decides whether the share has published a new build.
package feedcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// Status reports how Get satisfied a request.
type Status string

const (
	// StatusHit: fresh copy, size confirmed by HEAD, no download.
	StatusHit Status = "HIT"
	// StatusMiss: no local copy existed; downloaded.
	StatusMiss Status = "MISS"
	// StatusChanged: upstream size differed from the local copy; replaced.
	StatusChanged Status = "CHANGED"
	// StatusUnchanged: HEAD was unusable, the fallback download produced
	// bytes of identical size.
	StatusUnchanged Status = "UNCHANGED"
	// StatusStaleRefetch: copy older than the TTL; replaced unconditionally.
	StatusStaleRefetch Status = "STALE_REFETCH"
)

// TTL is how long a cached feed is trusted without refetching.
const TTL = 24 * time.Hour

// Cache serves local paths for upstream feeds.
type Cache struct {
	Dir    string
	Client *upstream.Client
	TTL    time.Duration

	locks *keyedLock
}

func New(dir string, client *upstream.Client) *Cache {
	return &Cache{Dir: dir, Client: client, TTL: TTL, locks: newKeyedLock()}
}

// Get returns a local path holding the latest bytes of the named feed.
// timeout bounds any download performed; zero means no bound beyond ctx.
// Concurrent calls for the same filename serialise so one fetch happens.
func (c *Cache) Get(ctx context.Context, filename string, timeframe int, feedType string, timeout time.Duration) (string, Status, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", "", err
	}
	unlock := c.locks.lock(filename)
	defer unlock()

	local := filepath.Join(c.Dir, filename)
	status, err := c.refresh(ctx, local, filename, timeframe, feedType, timeout)
	if err != nil {
		return "", "", err
	}
	metrics.FeedCacheRequests.WithLabelValues(string(status)).Inc()
	return local, status, nil
}

func (c *Cache) refresh(ctx context.Context, local, filename string, timeframe int, feedType string, timeout time.Duration) (Status, error) {
	fi, err := os.Stat(local)
	if errors.Is(err, fs.ErrNotExist) {
		if err := c.fetch(ctx, local, filename, timeframe, feedType, timeout); err != nil {
			return "", err
		}
		return StatusMiss, nil
	}
	if err != nil {
		return "", fmt.Errorf("feedcache: stat %s: %w", filename, err)
	}

	if time.Since(fi.ModTime()) >= c.TTL {
		if err := c.fetch(ctx, local, filename, timeframe, feedType, timeout); err != nil {
			return "", err
		}
		return StatusStaleRefetch, nil
	}

	remote, err := c.Client.ContentLength(ctx, timeframe, feedType, filename)
	if err == nil && remote >= 0 {
		if remote == fi.Size() {
			return StatusHit, nil
		}
		if err := c.fetch(ctx, local, filename, timeframe, feedType, timeout); err != nil {
			return "", err
		}
		return StatusChanged, nil
	}
	if errors.Is(err, upstream.ErrNotFound) {
		return "", err
	}

	// HEAD gave no usable length. Downgrade silently to a download and
	// judge change by the size of what arrives.
	if err := c.fetch(ctx, local, filename, timeframe, feedType, timeout); err != nil {
		return "", err
	}
	nfi, serr := os.Stat(local)
	if serr == nil && nfi.Size() == fi.Size() {
		return StatusUnchanged, nil
	}
	return StatusChanged, nil
}

// fetch streams the feed into a temp file in the cache directory and renames
// it over the destination, so readers never observe a partial file.
func (c *Cache) fetch(ctx context.Context, dest, filename string, timeframe int, feedType string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, _, err := c.Client.Download(ctx, timeframe, feedType, filename)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("feedcache: %w", err)
	}
	tmp, err := os.CreateTemp(c.Dir, filename+".*.part")
	if err != nil {
		return fmt.Errorf("feedcache: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("feedcache: fetch %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("feedcache: fetch %s: %w", filename, err)
	}
	metrics.FeedCacheBytesFetched.Add(float64(n))
	return nil
}
