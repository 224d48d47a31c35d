package server

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/snapetech/epgmerge/internal/store"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// GET /api/sources?timeframe=&feed_type=
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	timeframe := 0
	if v := r.URL.Query().Get("timeframe"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "timeframe must be a number of days")
			return
		}
		timeframe = n
	}
	sources, err := s.app.ListSources(r.Context(), timeframe, r.URL.Query().Get("feed_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sources == nil {
		sources = []upstream.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// POST /api/sources/selected
func (s *Server) handleSourcesSelected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Sources []string `json:"sources"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.app.SaveSelectedSources(req.Sources)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": n})
}

// GET and POST /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.app.GetSettings()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	case http.MethodPost:
		var req struct {
			Settings map[string]string `json:"settings"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		n, err := s.app.SetSettings(req.Settings)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"updated": n})
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// POST /api/channels/load. Channel unions run to thousands of ids, so the
// response negotiates brotli or gzip.
func (s *Server) handleChannelsLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Sources []string `json:"sources"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, err := s.app.LoadChannelsFromSources(r.Context(), req.Sources)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSONCompressed(w, r, http.StatusOK, map[string]any{"channels": ids})
}

// POST /api/channels/save
func (s *Server) handleChannelsSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Channels     []string `json:"channels"`
		SourcesCount int      `json:"sources_count"`
		Filename     string   `json:"filename"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	version, err := s.app.SaveChannelsWithVersioning(req.Channels, req.SourcesCount, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// GET /api/channels/selected
func (s *Server) handleChannelsSelected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := s.app.SelectedChannels()
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": ids})
}

// GET /api/channels/versions
func (s *Server) handleChannelVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	versions, err := s.app.ChannelVersions()
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []store.ChannelVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// DELETE /api/channels/versions/{filename}
func (s *Server) handleChannelVersionDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filename := strings.TrimPrefix(r.URL.Path, "/api/channels/versions/")
	if filename == "" || filename != path.Base(filename) {
		writeDetail(w, http.StatusBadRequest, "filename required")
		return
	}
	if err := s.app.DeleteChannelVersion(filename); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": filename})
}

// GET /api/channels/export
func (s *Server) handleChannelsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	backup, err := s.app.ExportChannels()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="channels-backup.json"`)
	writeJSON(w, http.StatusOK, backup)
}

// POST /api/merge
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Sources        []string `json:"sources"`
		Channels       []string `json:"channels"`
		Timeframe      int      `json:"timeframe"`
		FeedType       string   `json:"feed_type"`
		OutputFilename string   `json:"output_filename"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.app.MergeExecute(r.Context(), req.Sources, req.Channels, req.Timeframe, req.FeedType, req.OutputFilename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /api/merge/save
func (s *Server) handleMergeSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Channels     int `json:"channels"`
		Programs     int `json:"programs"`
		DaysIncluded int `json:"days_included"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	arch, err := s.app.MergeSave(req.Channels, req.Programs, req.DaysIncluded)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arch)
}

// POST /api/merge/clear-temp
func (s *Server) handleMergeClearTemp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	deleted, freedMB, err := s.app.MergeClearTemp()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "freed_mb": freedMB})
}

// GET /api/merge/download?filename= and /api/archives/download?filename=.
// Empty filename streams the live output.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filename := r.URL.Query().Get("filename")
	p, err := s.app.MergeDownloadPath(filename)
	if err != nil {
		writeError(w, err)
		return
	}
	name := path.Base(p)
	if strings.HasSuffix(name, ".gz") {
		w.Header().Set("Content-Type", "application/gzip")
	} else {
		w.Header().Set("Content-Type", "application/xml")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, p)
}

// GET /api/archives
func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	archives, err := s.app.Archives()
	if err != nil {
		writeError(w, err)
		return
	}
	if archives == nil {
		archives = []store.Archive{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": archives})
}

// POST /api/archives/cleanup
func (s *Server) handleArchivesCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	removed, err := s.app.ArchivesCleanup()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// DELETE /api/archives/{filename}
func (s *Server) handleArchiveDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filename := strings.TrimPrefix(r.URL.Path, "/api/archives/")
	if filename == "" || filename != path.Base(filename) {
		writeDetail(w, http.StatusBadRequest, "filename required")
		return
	}
	if err := s.app.ArchiveDelete(filename); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": filename})
}

// GET /api/jobs?limit= lists history; DELETE /api/jobs clears it.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeDetail(w, http.StatusBadRequest, "limit must be a non-negative number")
				return
			}
			limit = n
		}
		jobs, err := s.app.JobHistory(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []store.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case http.MethodDelete:
		n, err := s.app.JobClearHistory()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET /api/jobs/status
func (s *Server) handleJobsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := s.app.JobsStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /api/jobs/latest
func (s *Server) handleJobLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.app.JobLatest()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// POST /api/jobs/run
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := s.app.JobExecuteNow()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

// POST /api/jobs/cancel
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.app.JobCancel()})
}

// GET /api/jobs/ws upgrades to the job event stream. Every job transition is
// sent as {"type":"job"} and schedule changes as {"type":"next_run"}.
func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- client
	go client.writePump()
	client.readPump()
}
