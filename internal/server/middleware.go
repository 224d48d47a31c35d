package server

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/epgmerge/internal/metrics"
)

// statusWriter records the reply's status and size so the request can be
// logged and counted after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the middleware chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer cannot hijack")
	}
	return h.Hijack()
}

// instrument logs every request and feeds the request counters. The metrics
// endpoint is served unwrapped so scrapes do not count themselves.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		log.Printf("%s %s %d %dB %s %s",
			r.Method, r.URL.Path, status, sw.bytes, elapsed.Round(time.Millisecond), r.RemoteAddr)

		route := routeLabel(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

// routeLabel collapses per-file paths so metric label cardinality stays
// bounded.
func routeLabel(path string) string {
	switch {
	case path == "/healthz":
		return path
	case strings.HasPrefix(path, "/api/channels/versions/"):
		return "/api/channels/versions/:filename"
	case path == "/api/archives" || path == "/api/archives/download" || path == "/api/archives/cleanup":
		return path
	case strings.HasPrefix(path, "/api/archives/"):
		return "/api/archives/:filename"
	case strings.HasPrefix(path, "/api/"):
		return path
	default:
		return "/other"
	}
}
