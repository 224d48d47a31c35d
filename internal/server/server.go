// Package server exposes the merge service over HTTP: the /api surface the
// UI drives, a job event WebSocket, Prometheus metrics and a health probe.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/snapetech/epgmerge/internal/app"
	"github.com/snapetech/epgmerge/internal/config"
	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/store"
)

// Server is the HTTP front of the assembled application.
type Server struct {
	app     *app.App
	cfg     *config.Config
	mux     *http.ServeMux
	handler http.Handler
	hub     *wsHub
	reg     *prometheus.Registry
}

// New builds the server, wires the job stream to the application's event
// hooks, and starts the WebSocket hub.
func New(a *app.App, cfg *config.Config) *Server {
	s := &Server{
		app: a,
		cfg: cfg,
		mux: http.NewServeMux(),
		hub: newWSHub(),
		reg: prometheus.NewRegistry(),
	}
	metrics.Register(s.reg)
	s.routes()
	s.handler = instrument(s.mux)

	go s.hub.run()
	a.OnJob(func(j store.Job) { s.hub.Broadcast("job", j) })
	a.OnNextRun(func(t time.Time) { s.hub.Broadcast("next_run", t.UTC().Format(time.RFC3339)) })
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the WebSocket hub and disconnects its clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/sources", s.handleSources)
	s.mux.HandleFunc("/api/sources/selected", s.handleSourcesSelected)
	s.mux.HandleFunc("/api/settings", s.handleSettings)

	s.mux.HandleFunc("/api/channels/load", s.handleChannelsLoad)
	s.mux.HandleFunc("/api/channels/save", s.handleChannelsSave)
	s.mux.HandleFunc("/api/channels/selected", s.handleChannelsSelected)
	s.mux.HandleFunc("/api/channels/versions", s.handleChannelVersions)
	s.mux.HandleFunc("/api/channels/versions/", s.handleChannelVersionDelete)
	s.mux.HandleFunc("/api/channels/export", s.handleChannelsExport)

	s.mux.HandleFunc("/api/merge", s.handleMerge)
	s.mux.HandleFunc("/api/merge/save", s.handleMergeSave)
	s.mux.HandleFunc("/api/merge/clear-temp", s.handleMergeClearTemp)
	s.mux.HandleFunc("/api/merge/download", s.handleDownload)

	s.mux.HandleFunc("/api/archives", s.handleArchives)
	s.mux.HandleFunc("/api/archives/download", s.handleDownload)
	s.mux.HandleFunc("/api/archives/cleanup", s.handleArchivesCleanup)
	s.mux.HandleFunc("/api/archives/", s.handleArchiveDelete)

	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/status", s.handleJobsStatus)
	s.mux.HandleFunc("/api/jobs/latest", s.handleJobLatest)
	s.mux.HandleFunc("/api/jobs/run", s.handleJobRun)
	s.mux.HandleFunc("/api/jobs/cancel", s.handleJobCancel)
	s.mux.HandleFunc("/api/jobs/ws", s.handleJobsWS)

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

// Run serves until ctx is cancelled, then drains with a 10s grace period.
// Concurrent connections are capped at cfg.MaxConns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxConns)

	srv := &http.Server{Handler: s.handler}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("http: listening on %s (max %d conns)", ln.Addr(), s.cfg.MaxConns)
		serverErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("http: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http: shutdown: %v", err)
		}
		s.hub.Close()
		<-serverErr
		return nil
	}
}

type healthResponse struct {
	Status           string     `json:"status"`
	Store            string     `json:"store"`
	Upstream         string     `json:"upstream"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
	LastJob          *store.Job `json:"last_job,omitempty"`
}

// handleHealthz reports store and upstream reachability plus scheduler
// context. A dead store answers 503; an unreachable upstream only degrades
// the status, cached data still serves.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := healthResponse{Status: "ok", Store: "ok", Upstream: "ok"}
	status := http.StatusOK

	if err := s.app.Store.Ping(); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.app.Health.Check(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Upstream = err.Error()
	}
	if next, ok := s.app.Sched.NextRun(); ok {
		resp.NextScheduledRun = &next
	}
	if job, err := s.app.JobLatest(); err == nil {
		resp.LastJob = &job
	}
	writeJSON(w, status, resp)
}
