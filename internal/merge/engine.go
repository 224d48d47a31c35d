// Package merge builds one gzipped XMLTV document out of the upstream feeds
// the user selected, keeping only their channels and deduplicating the
// programmes that overlapping regional feeds repeat.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/epgmerge/internal/feedcache"
	"github.com/snapetech/epgmerge/internal/memstat"
	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// maxParallelFetches caps the fetch phase fan-out.
const maxParallelFetches = 8

// Fetcher produces a local file holding the latest bytes of a named feed.
// *feedcache.Cache is the real implementation.
type Fetcher interface {
	Get(ctx context.Context, filename string, timeframe int, feedType string, timeout time.Duration) (string, feedcache.Status, error)
}

// Engine runs merges. TmpDir receives the output file; MemoryCapMB is
// advisory and only logged when exceeded.
type Engine struct {
	Fetch       Fetcher
	TmpDir      string
	MemoryCapMB int
}

// Request is one merge invocation.
type Request struct {
	Sources         []string
	Channels        []string
	Timeframe       int
	FeedType        string
	OutputFilename  string
	DownloadTimeout time.Duration
	MergeTimeout    time.Duration
}

// Run validates the request, fetches every source, and streams the merged
// document to TmpDir/<OutputFilename>. The output lands atomically; a failed
// or timed-out run leaves no partial file behind.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	if err := e.validate(req); err != nil {
		metrics.MergesTotal.WithLabelValues(string(KindConfiguration)).Inc()
		return nil, err
	}

	start := time.Now()
	sampler := memstat.Start(time.Second)
	defer sampler.Stop()

	report, err := e.run(ctx, req, start, sampler)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}
	metrics.MergesTotal.WithLabelValues("success").Inc()
	metrics.MergeDuration.Observe(report.ExecutionTimeSeconds)
	metrics.MergePeakMemoryMB.Set(report.PeakMemoryMB)
	metrics.MergeChannelsIncluded.Set(float64(report.ChannelsIncluded))
	metrics.MergeProgramsIncluded.Set(float64(report.ProgramsIncluded))
	return report, nil
}

func (e *Engine) validate(req Request) error {
	if len(req.Sources) == 0 {
		return newErr(KindConfiguration, "no sources selected")
	}
	if len(req.Channels) == 0 {
		return newErr(KindConfiguration, "no channels selected")
	}
	if _, err := upstream.FolderFor(req.Timeframe, req.FeedType); err != nil {
		return wrapErr(KindConfiguration, err)
	}
	if !strings.HasSuffix(req.OutputFilename, ".xml") && !strings.HasSuffix(req.OutputFilename, ".xml.gz") {
		return newErr(KindConfiguration, "output filename must end in .xml or .xml.gz")
	}
	if err := feedcache.ValidateFilename(req.OutputFilename); err != nil {
		return wrapErr(KindConfiguration, err)
	}
	for _, s := range req.Sources {
		if err := feedcache.ValidateFilename(s); err != nil {
			return wrapErr(KindConfiguration, err)
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, req Request, start time.Time, sampler *memstat.Sampler) (*Report, error) {
	paths, err := e.fetchAll(ctx, req)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(req.Channels))
	for _, id := range req.Channels {
		if id != "" {
			want[id] = true
		}
	}

	mctx := ctx
	if req.MergeTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, req.MergeTimeout)
		defer cancel()
	}

	if err := os.MkdirAll(e.TmpDir, 0755); err != nil {
		return nil, err
	}
	part, err := os.CreateTemp(e.TmpDir, req.OutputFilename+".*.part")
	if err != nil {
		return nil, err
	}
	channels, programs, err := writeMerged(mctx, part, paths, want)
	if cerr := part.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part.Name())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, newErr(KindMergeTimeout,
				fmt.Sprintf("Merge exceeded timeout limit of %d seconds", int(req.MergeTimeout.Seconds())))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	outPath := filepath.Join(e.TmpDir, req.OutputFilename)
	if err := os.Rename(part.Name(), outPath); err != nil {
		os.Remove(part.Name())
		return nil, err
	}
	fi, err := os.Stat(outPath)
	if err != nil {
		return nil, err
	}

	peak := sampler.Stop()
	if e.MemoryCapMB > 0 && peak > float64(e.MemoryCapMB) {
		log.Printf("merge: peak memory %.1fMB exceeded cap of %dMB", peak, e.MemoryCapMB)
	}
	log.Printf("merge: wrote %s: %d channels, %d programmes, %s",
		req.OutputFilename, channels, programs, HumanSize(fi.Size()))

	return &Report{
		ChannelsIncluded:     channels,
		ProgramsIncluded:     programs,
		FileSizeHuman:        HumanSize(fi.Size()),
		PeakMemoryMB:         math.Round(peak*100) / 100,
		DaysIncluded:         req.Timeframe,
		ExecutionTimeSeconds: math.Round(time.Since(start).Seconds()*100) / 100,
	}, nil
}

// fetchAll pulls every source through the feed cache, up to
// maxParallelFetches at once, all bounded by the download timeout.
func (e *Engine) fetchAll(ctx context.Context, req Request) ([]string, error) {
	fctx := ctx
	if req.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, req.DownloadTimeout)
		defer cancel()
	}

	parallel := len(req.Sources)
	if parallel > maxParallelFetches {
		parallel = maxParallelFetches
	}
	sem := make(chan struct{}, parallel)
	paths := make([]string, len(req.Sources))
	errs := make([]error, len(req.Sources))

	var wg sync.WaitGroup
	for i, name := range req.Sources {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-fctx.Done():
				errs[i] = fctx.Err()
				return
			}
			path, status, err := e.Fetch.Get(fctx, name, req.Timeframe, req.FeedType, req.DownloadTimeout)
			if err != nil {
				errs[i] = err
				return
			}
			log.Printf("merge: fetched %s (%s)", name, status)
			paths[i] = path
		}(i, name)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, newErr(KindDownloadTimeout,
				fmt.Sprintf("downloading %s exceeded the %d second download timeout",
					req.Sources[i], int(req.DownloadTimeout.Seconds())))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapErr(KindUpstreamUnavailable, err)
	}
	return paths, nil
}

func failureLabel(err error) string {
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
