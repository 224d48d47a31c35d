// Package httpclient owns the HTTP plumbing behind every outbound call the
// service makes: share listings, feed downloads, health probes and webhook
// posts. Nearly all of that traffic lands on a single upstream host, so one
// tuned transport keeps a few connections warm between merge runs.
package httpclient

import (
	"net/http"
	"time"
)

// controlTimeout bounds short control requests: autoindex listings, HEAD
// probes, channel lists. Feed downloads are bounded by the download_timeout
// setting instead and must not inherit this.
const controlTimeout = 30 * time.Second

var shared = &http.Client{
	Timeout:   controlTimeout,
	Transport: newTransport(),
}

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Default returns the shared client used for control requests.
func Default() *http.Client {
	return shared
}

// WithTimeout returns a client with the same transport tuning but its own
// overall timeout. Zero disables the client timeout; such calls must carry a
// context deadline instead.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
}
