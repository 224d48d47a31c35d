package scheduler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapetech/epgmerge/internal/archive"
	"github.com/snapetech/epgmerge/internal/channels"
	"github.com/snapetech/epgmerge/internal/feedcache"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/notify"
	"github.com/snapetech/epgmerge/internal/store"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="upstream">
  <channel id="cbc.ca"><display-name>CBC</display-name></channel>
  <channel id="ctv.ca"><display-name>CTV</display-name></channel>
  <programme start="20260824060000 +0000" stop="20260824070000 +0000" channel="cbc.ca">
    <title lang="en">Morning News</title>
  </programme>
  <programme start="20260824070000 +0000" stop="20260824080000 +0000" channel="ctv.ca">
    <title lang="en">Talk Show</title>
  </programme>
</tv>`

// stubFetcher serves in-memory feeds as gzipped files. delay simulates slow
// fetches; with ignoreCtx it sleeps through cancellation the way a stuck
// syscall would.
type stubFetcher struct {
	dir   string
	feeds map[string]string

	mu        sync.Mutex
	delay     time.Duration
	ignoreCtx bool
}

func (f *stubFetcher) Get(ctx context.Context, filename string, timeframe int, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	f.mu.Lock()
	delay, ignore := f.delay, f.ignoreCtx
	f.mu.Unlock()

	if delay > 0 {
		if ignore {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", "", ctx.Err()
			}
		}
	}
	body, ok := f.feeds[filename]
	if !ok {
		return "", "", fmt.Errorf("no such feed %s", filename)
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

type rig struct {
	sched   *Scheduler
	store   *store.Store
	fetcher *stubFetcher
	flight  *merge.Flight
	dirs    store.DirDefaults

	mu   sync.Mutex
	jobs []store.Job
}

func (r *rig) seenJobs() []store.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func newRig(t *testing.T) *rig {
	t.Helper()
	root := t.TempDir()
	dirs := store.DirDefaults{
		Current:  filepath.Join(root, "current"),
		Archive:  filepath.Join(root, "archives"),
		Channels: filepath.Join(root, "channels"),
		Tmp:      filepath.Join(root, "tmp"),
		Cache:    filepath.Join(root, "epg_cache"),
	}
	st, err := store.Open(filepath.Join(root, "app.db"), store.Defaults(dirs))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := &rig{
		store:   st,
		fetcher: &stubFetcher{dir: t.TempDir(), feeds: map[string]string{"canada_iptv.xml.gz": testFeed}},
		flight:  merge.NewFlight(),
		dirs:    dirs,
	}
	r.sched = New(Config{
		Store:    st,
		Engine:   &merge.Engine{Fetch: r.fetcher, TmpDir: dirs.Tmp},
		Archive:  &archive.Manager{Store: st, TmpDir: dirs.Tmp, CurrentDir: dirs.Current, ArchiveDir: dirs.Archive},
		Channels: &channels.Manager{Store: st, Dir: dirs.Channels},
		Notifier: notify.New(nil),
		Flight:   r.flight,
		Poll:     20 * time.Millisecond,
		Grace:    50 * time.Millisecond,
		OnJob: func(j store.Job) {
			r.mu.Lock()
			r.jobs = append(r.jobs, j)
			r.mu.Unlock()
		},
	})
	return r
}

// seedRunnable stores a selection and channels version good for a merge.
func (r *rig) seedRunnable(t *testing.T) {
	t.Helper()
	sources, _ := json.Marshal([]string{"canada_iptv.xml.gz"})
	if err := r.store.SetSetting(store.KeySelectedSources, string(sources)); err != nil {
		t.Fatalf("set sources: %v", err)
	}
	cm := &channels.Manager{Store: r.store, Dir: r.dirs.Channels}
	if _, err := cm.SaveWithVersioning([]string{"cbc.ca", "ctv.ca"}, 1, "channels.json"); err != nil {
		t.Fatalf("save channels: %v", err)
	}
}

func (r *rig) waitTerminal(t *testing.T, jobID string) store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.store.GetJob(jobID)
		if err == nil && job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return store.Job{}
}

func (r *rig) waitFlightIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.flight.Busy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("flight never released")
}

func TestJobIDFormat(t *testing.T) {
	at := time.Date(2026, 5, 1, 4, 5, 6, 0, time.UTC)
	if got := jobIDAt(at); got != "scheduled_merge_20260501_040506" {
		t.Errorf("jobIDAt = %q", got)
	}
}

func TestExecuteNow_success(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)

	jobID, err := r.sched.ExecuteNow()
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}
	if !strings.HasPrefix(jobID, "scheduled_merge_") {
		t.Errorf("job id = %q", jobID)
	}

	job := r.waitTerminal(t, jobID)
	if job.Status != store.JobSuccess {
		t.Fatalf("status = %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.MergeFilename != "merged.xml.gz" {
		t.Errorf("merge_filename = %q", job.MergeFilename)
	}
	if job.ChannelsIncluded != 2 || job.ProgramsIncluded != 2 {
		t.Errorf("channels/programs = %d/%d, want 2/2", job.ChannelsIncluded, job.ProgramsIncluded)
	}
	if job.DaysIncluded != 3 {
		t.Errorf("days = %d, want 3", job.DaysIncluded)
	}
	if job.FileSize == "" || job.CompletedAt == nil {
		t.Errorf("incomplete result fields: %+v", job)
	}

	// Promotion happened: current file on disk and archive row recorded.
	if _, err := os.Stat(filepath.Join(r.dirs.Current, "merged.xml.gz")); err != nil {
		t.Errorf("current file missing: %v", err)
	}
	if _, err := r.store.GetArchive("merged.xml.gz"); err != nil {
		t.Errorf("archive row missing: %v", err)
	}

	r.waitFlightIdle(t)

	// pending → running → success came through the hook in order.
	var statuses []string
	for _, j := range r.seenJobs() {
		if j.JobID == jobID {
			statuses = append(statuses, j.Status)
		}
	}
	want := []string{store.JobPending, store.JobRunning, store.JobSuccess}
	if len(statuses) != len(want) {
		t.Fatalf("transitions = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", statuses, want)
		}
	}
}

func TestExecuteNow_busy(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)

	if !r.flight.TryAcquire() {
		t.Fatal("could not hold flight")
	}
	_, err := r.sched.ExecuteNow()
	if err == nil {
		t.Fatal("expected busy error")
	}
	if kind, ok := merge.KindOf(err); !ok || kind != merge.KindBusy {
		t.Errorf("kind = %v, want BusyError", kind)
	}
	r.flight.Release()

	jobID, err := r.sched.ExecuteNow()
	if err != nil {
		t.Fatalf("execute after release: %v", err)
	}
	r.waitTerminal(t, jobID)
	r.waitFlightIdle(t)
}

func TestExecuteNow_failureNotifiesWebhook(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)
	// The only selected source has no feed behind it.
	r.fetcher.feeds = map[string]string{}

	var hits atomic.Int32
	var title atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p struct {
			Embeds []struct {
				Title string `json:"title"`
			} `json:"embeds"`
		}
		json.NewDecoder(req.Body).Decode(&p)
		if len(p.Embeds) == 1 {
			title.Store(p.Embeds[0].Title)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	if err := r.store.SetSetting(store.KeyDiscordWebhook, srv.URL); err != nil {
		t.Fatalf("set webhook: %v", err)
	}

	jobID, err := r.sched.ExecuteNow()
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}
	job := r.waitTerminal(t, jobID)
	if job.Status != store.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Error("error_message empty")
	}

	r.waitFlightIdle(t)
	if hits.Load() != 1 {
		t.Fatalf("webhook hits = %d, want 1", hits.Load())
	}
	if got, _ := title.Load().(string); got != "Scheduled Merge Failed" {
		t.Errorf("embed title = %q", got)
	}
}

func TestCancel_marksJobFailed(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)
	r.fetcher.mu.Lock()
	r.fetcher.delay = 2 * time.Second
	r.fetcher.mu.Unlock()

	jobID, err := r.sched.ExecuteNow()
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.sched.RunningJobID() != jobID {
		if time.Now().After(deadline) {
			t.Fatal("job never started running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !r.sched.Cancel() {
		t.Fatal("cancel returned false for a running job")
	}

	job := r.waitTerminal(t, jobID)
	if job.Status != store.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage != "Merge cancelled" {
		t.Errorf("error_message = %q", job.ErrorMessage)
	}
	r.waitFlightIdle(t)

	if r.sched.Cancel() {
		t.Error("cancel returned true with nothing running")
	}
}

func TestWatchdog_timesOutAndAbandonsStuckRun(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)
	if err := r.store.SetSetting(store.KeyMergeTimeout, "1"); err != nil {
		t.Fatalf("set merge_timeout: %v", err)
	}
	// The fetch sleeps through cancellation, so only the watchdog can end
	// the job.
	r.fetcher.mu.Lock()
	r.fetcher.delay = 3 * time.Second
	r.fetcher.ignoreCtx = true
	r.fetcher.mu.Unlock()

	jobID, err := r.sched.ExecuteNow()
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}
	job := r.waitTerminal(t, jobID)
	if job.Status != store.JobTimeout {
		t.Fatalf("status = %s, want timeout", job.Status)
	}
	if job.ErrorMessage != "Merge exceeded timeout limit of 1 seconds" {
		t.Errorf("error_message = %q", job.ErrorMessage)
	}
	r.waitFlightIdle(t)
}

func TestRun_recoversStuckJobsOnStartup(t *testing.T) {
	r := newRig(t)
	old := time.Now().Add(-3 * time.Hour)
	if _, err := r.store.CreateJob("scheduled_merge_20250101_000000", old); err != nil {
		t.Fatalf("create old job: %v", err)
	}
	if err := r.store.MarkJobRunning("scheduled_merge_20250101_000000"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var job store.Job
	for {
		var err error
		job, err = r.store.GetJob("scheduled_merge_20250101_000000")
		if err == nil && job.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stuck job never recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != store.JobFailed || job.ErrorMessage != store.StuckJobMessage {
		t.Errorf("recovered job = %s %q", job.Status, job.ErrorMessage)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestRun_publishesNextWhenRunnable(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.sched.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if next, ok := r.sched.NextRun(); ok {
			if !next.After(time.Now()) {
				t.Errorf("next run %v is not in the future", next)
			}
			if next.Sub(time.Now()) > 24*time.Hour {
				t.Errorf("next run %v more than a day away for a daily schedule", next)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("next run never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_settingsChangeMovesNextRun(t *testing.T) {
	r := newRig(t)
	r.seedRunnable(t)

	now := time.Now().In(r.sched.loc)
	first := now.Add(2 * time.Hour).Format("15:04")
	second := now.Add(3 * time.Hour).Format("15:04")
	if err := r.store.SetSetting(store.KeyMergeTime, first); err != nil {
		t.Fatalf("set merge_time: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.sched.Run(ctx)

	waitForClock := func(want string) time.Time {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if next, ok := r.sched.NextRun(); ok && next.In(r.sched.loc).Format("15:04") == want {
				return next
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("next run never reached %s", want)
		return time.Time{}
	}

	waitForClock(first)

	// The running loop must pick the new time up on its own, no restart.
	if err := r.store.SetSetting(store.KeyMergeTime, second); err != nil {
		t.Fatalf("change merge_time: %v", err)
	}
	next := waitForClock(second)
	if !next.After(time.Now()) {
		t.Errorf("recomputed next run %v is not in the future", next)
	}
}

func TestRun_staysUnscheduledWithoutSources(t *testing.T) {
	r := newRig(t)
	// Channels exist, sources do not.
	cm := &channels.Manager{Store: r.store, Dir: r.dirs.Channels}
	if _, err := cm.SaveWithVersioning([]string{"cbc.ca"}, 1, "channels.json"); err != nil {
		t.Fatalf("save channels: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.sched.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if next, ok := r.sched.NextRun(); ok {
		t.Errorf("next run published (%v) with no sources selected", next)
	}
}
