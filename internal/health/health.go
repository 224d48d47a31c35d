// Package health probes the upstream share for /healthz. The probe result
// is cached so health polling cannot hammer the origin.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	probeTimeout = 5 * time.Second
	cacheTTL     = 60 * time.Second
)

// Upstream performs a cheap HEAD against the share's root and remembers the
// outcome for cacheTTL.
type Upstream struct {
	BaseURL string
	Client  *http.Client

	mu      sync.Mutex
	lastAt  time.Time
	lastErr error
}

func NewUpstream(baseURL string, client *http.Client) *Upstream {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Upstream{BaseURL: baseURL, Client: client}
}

// Check returns nil when the upstream share answered a HEAD with a 2xx or
// 3xx status within the probe timeout. Results are served from cache for
// 60 seconds.
func (u *Upstream) Check(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.lastAt.IsZero() && time.Since(u.lastAt) < cacheTTL {
		return u.lastErr
	}
	u.lastErr = u.probe(ctx)
	u.lastAt = time.Now()
	return u.lastErr
}

func (u *Upstream) probe(ctx context.Context) error {
	if u.BaseURL == "" {
		return fmt.Errorf("no upstream URL configured")
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Invalidate drops the cached result so the next Check probes again.
func (u *Upstream) Invalidate() {
	u.mu.Lock()
	u.lastAt = time.Time{}
	u.mu.Unlock()
}
