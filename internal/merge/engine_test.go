package merge

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/epgmerge/internal/feedcache"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// fakeFetcher serves feeds from memory, writing each requested feed as a
// gzipped file on first use.
type fakeFetcher struct {
	dir   string
	feeds map[string]string

	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (f *fakeFetcher) Get(ctx context.Context, filename string, timeframe int, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	f.mu.Lock()
	f.calls++
	delay, ferr := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	if ferr != nil {
		return "", "", ferr
	}
	body, ok := f.feeds[filename]
	if !ok {
		return "", "", upstream.ErrNotFound
	}
	path := filepath.Join(f.dir, filename)
	if _, err := os.Stat(path); err != nil {
		out, err := os.Create(path)
		if err != nil {
			return "", "", err
		}
		gz := gzip.NewWriter(out)
		gz.Write([]byte(body))
		gz.Close()
		out.Close()
	}
	return path, feedcache.StatusMiss, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(t *testing.T, feeds map[string]string) (*Engine, *fakeFetcher) {
	t.Helper()
	fetcher := &fakeFetcher{dir: t.TempDir(), feeds: feeds}
	return &Engine{Fetch: fetcher, TmpDir: t.TempDir()}, fetcher
}

func baseRequest() Request {
	return Request{
		Sources:         []string{"canada_iptv.xml.gz", "us_iptv.xml.gz"},
		Channels:        []string{"cbc.ca", "abc.us"},
		Timeframe:       3,
		FeedType:        "iptv",
		OutputFilename:  "merged.xml.gz",
		DownloadTimeout: 30 * time.Second,
		MergeTimeout:    60 * time.Second,
	}
}

func TestRun_endToEnd(t *testing.T) {
	e, _ := newTestEngine(t, map[string]string{
		"canada_iptv.xml.gz": feedCanada,
		"us_iptv.xml.gz":     feedUS,
	})

	report, err := e.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ChannelsIncluded != 2 {
		t.Errorf("channels = %d", report.ChannelsIncluded)
	}
	if report.ProgramsIncluded != 2 {
		t.Errorf("programs = %d", report.ProgramsIncluded)
	}
	if report.DaysIncluded != 3 {
		t.Errorf("days = %d", report.DaysIncluded)
	}
	if !strings.HasSuffix(report.FileSizeHuman, "MB") {
		t.Errorf("size = %q", report.FileSizeHuman)
	}
	if report.PeakMemoryMB <= 0 {
		t.Errorf("peak memory = %v", report.PeakMemoryMB)
	}

	out := filepath.Join(e.TmpDir, "merged.xml.gz")
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	doc := decodeMerged(t, raw)
	if len(doc.Channels) != 2 || len(doc.Programmes) != 2 {
		t.Errorf("output = %d channels %d programmes", len(doc.Channels), len(doc.Programmes))
	}
}

func TestRun_configurationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty sources", func(r *Request) { r.Sources = nil }},
		{"empty channels", func(r *Request) { r.Channels = nil }},
		{"gracenote 14 day", func(r *Request) { r.FeedType = "gracenote"; r.Timeframe = 14 }},
		{"bad output suffix", func(r *Request) { r.OutputFilename = "merged.txt" }},
		{"traversal output", func(r *Request) { r.OutputFilename = "../merged.xml.gz" }},
		{"traversal source", func(r *Request) { r.Sources = []string{"../../etc.xml.gz"} }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, fetcher := newTestEngine(t, nil)
			req := baseRequest()
			c.mutate(&req)
			_, err := e.Run(context.Background(), req)
			if kind, ok := KindOf(err); !ok || kind != KindConfiguration {
				t.Errorf("err = %v, want ConfigurationError", err)
			}
			if fetcher.callCount() != 0 {
				t.Errorf("fetcher called %d times before validation", fetcher.callCount())
			}
		})
	}
}

func TestRun_upstreamFailure(t *testing.T) {
	e, _ := newTestEngine(t, map[string]string{"canada_iptv.xml.gz": feedCanada})
	req := baseRequest() // us_iptv.xml.gz is not served

	_, err := e.Run(context.Background(), req)
	if kind, ok := KindOf(err); !ok || kind != KindUpstreamUnavailable {
		t.Fatalf("err = %v, want UpstreamUnavailable", err)
	}
	if _, serr := os.Stat(filepath.Join(e.TmpDir, "merged.xml.gz")); !os.IsNotExist(serr) {
		t.Error("failed merge left an output file")
	}
}

func TestRun_downloadTimeout(t *testing.T) {
	e, fetcher := newTestEngine(t, map[string]string{
		"canada_iptv.xml.gz": feedCanada,
		"us_iptv.xml.gz":     feedUS,
	})
	fetcher.delay = 500 * time.Millisecond
	req := baseRequest()
	req.DownloadTimeout = 50 * time.Millisecond

	_, err := e.Run(context.Background(), req)
	if kind, ok := KindOf(err); !ok || kind != KindDownloadTimeout {
		t.Errorf("err = %v, want DownloadTimeout", err)
	}
}

func TestRun_mergeTimeout(t *testing.T) {
	e, _ := newTestEngine(t, map[string]string{
		"canada_iptv.xml.gz": feedCanada,
		"us_iptv.xml.gz":     feedUS,
	})
	req := baseRequest()
	req.MergeTimeout = time.Nanosecond

	_, err := e.Run(context.Background(), req)
	kind, ok := KindOf(err)
	if !ok || kind != KindMergeTimeout {
		t.Fatalf("err = %v, want MergeTimeout", err)
	}
	if !strings.Contains(err.Error(), "Merge exceeded timeout limit of") {
		t.Errorf("message = %q", err.Error())
	}

	entries, _ := os.ReadDir(e.TmpDir)
	for _, ent := range entries {
		t.Errorf("timed-out merge left %s in tmp dir", ent.Name())
	}
}

func TestRun_cancelled(t *testing.T) {
	e, _ := newTestEngine(t, map[string]string{
		"canada_iptv.xml.gz": feedCanada,
		"us_iptv.xml.gz":     feedUS,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, baseRequest())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, ok := KindOf(err); ok {
		t.Errorf("cancellation must not carry a merge kind: %v", err)
	}
}
