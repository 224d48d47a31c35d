package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/andybalholm/brotli"

	"github.com/snapetech/epgmerge/internal/archive"
	"github.com/snapetech/epgmerge/internal/channels"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/store"
	"github.com/snapetech/epgmerge/internal/upstream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

// writeJSONCompressed negotiates brotli or gzip from Accept-Encoding before
// encoding v. Used for the bulky channel-list responses.
func writeJSONCompressed(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	cw := brotli.HTTPCompressor(w, r)
	w.WriteHeader(status)
	if err := json.NewEncoder(cw).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
	if err := cw.Close(); err != nil {
		log.Printf("http: close compressor: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": msg}); err != nil {
		log.Printf("http: encode error response: %v", err)
	}
}

// writeError maps an application error to its HTTP status. Merge error kinds
// take precedence over the sentinels they may wrap.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := merge.KindOf(err); ok {
		switch kind {
		case merge.KindConfiguration:
			status = http.StatusBadRequest
		case merge.KindBusy:
			status = http.StatusConflict
		case merge.KindUpstreamUnavailable:
			status = http.StatusBadGateway
		case merge.KindDownloadTimeout, merge.KindMergeTimeout:
			status = http.StatusGatewayTimeout
		}
	} else {
		switch {
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, upstream.ErrNotFound),
			errors.Is(err, archive.ErrNotFound),
			errors.Is(err, channels.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, archive.ErrIsCurrent),
			errors.Is(err, channels.ErrIsCurrent):
			status = http.StatusConflict
		case errors.Is(err, archive.ErrNoTempOutput),
			errors.Is(err, upstream.ErrNoFolder):
			status = http.StatusBadRequest
		case errors.Is(err, upstream.ErrUnavailable):
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("http: internal error: %v", err)
	}
	writeDetail(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}
