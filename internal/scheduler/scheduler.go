// Package scheduler runs merges at the configured times. One cooperative
// loop owns all scheduled work: it sleeps until the next cron activation,
// waking every poll interval to pick up settings changes, and executes at
// most one merge at a time. Manual runs share the same job pipeline and the
// same single-flight lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/snapetech/epgmerge/internal/archive"
	"github.com/snapetech/epgmerge/internal/channels"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/notify"
	"github.com/snapetech/epgmerge/internal/store"
)

const (
	// StuckThreshold is how old a running job must be before startup
	// recovery declares it dead.
	StuckThreshold = 2 * time.Hour

	defaultPoll  = 60 * time.Second
	defaultGrace = 5 * time.Second
)

// Config wires the scheduler's collaborators. Poll and Grace exist for
// tests; zero values select the production intervals.
type Config struct {
	Store    *store.Store
	Engine   *merge.Engine
	Archive  *archive.Manager
	Channels *channels.Manager
	Notifier *notify.Notifier
	Flight   *merge.Flight

	// Poll is the settings recheck interval while sleeping.
	Poll time.Duration
	// Grace is how long a cancelled engine gets to exit before the run is
	// abandoned.
	Grace time.Duration

	// OnJob fires after every job state transition, OnNextRun whenever the
	// published next activation changes. Both are optional and must not
	// block.
	OnJob     func(store.Job)
	OnNextRun func(time.Time)
}

type Scheduler struct {
	cfg   Config
	poll  time.Duration
	grace time.Duration
	loc   *time.Location

	mu         sync.Mutex
	next       time.Time
	expr       string
	lastReason string
	runningID  string
	cancelRun  context.CancelFunc
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg, poll: cfg.Poll, grace: cfg.Grace, loc: schedLocation()}
	if s.poll <= 0 {
		s.poll = defaultPoll
	}
	if s.grace <= 0 {
		s.grace = defaultGrace
	}
	return s
}

// schedLocation returns the wall clock merge_time refers to: UTC unless the
// TZ environment variable overrides it.
func schedLocation() *time.Location {
	if os.Getenv("TZ") != "" {
		return time.Local
	}
	return time.UTC
}

// Run blocks until ctx is cancelled. Stuck jobs are recovered once, before
// the loop starts; never during it.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.cfg.Store.MarkStuckJobsFailed(time.Now(), StuckThreshold); err != nil {
		log.Printf("scheduler: stuck job recovery: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: recovered %d stuck job(s)", n)
	}

	log.Printf("scheduler: loop started, settings recheck every %s", s.poll)
	for {
		next, ok := s.plan()
		wait := s.poll
		if ok {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if ok && !time.Now().Before(next) {
			s.runScheduled(ctx)
		}
	}
}

// plan reads settings, rebuilds the cron expression, and publishes the next
// activation. Not ok means no run is scheduled: bad settings, no sources,
// or no loadable channels version.
func (s *Scheduler) plan() (time.Time, bool) {
	settings, err := s.cfg.Store.Settings()
	if err != nil {
		log.Printf("scheduler: read settings: %v", err)
		s.publish(time.Time{}, "")
		return time.Time{}, false
	}
	days, err := settings.MergeDays()
	if err != nil {
		log.Printf("scheduler: %v", err)
		s.publish(time.Time{}, "")
		return time.Time{}, false
	}
	expr, err := BuildSpec(settings.MergeSchedule(), settings.MergeTime(), days)
	if err != nil {
		log.Printf("scheduler: %v", err)
		s.publish(time.Time{}, "")
		return time.Time{}, false
	}
	if reason := s.unusable(settings); reason != "" {
		s.publish(time.Time{}, expr)
		s.noteUnusable(reason)
		return time.Time{}, false
	}
	s.noteUnusable("")
	next, err := Next(expr, time.Now().In(s.loc))
	if err != nil {
		log.Printf("scheduler: %v", err)
		s.publish(time.Time{}, "")
		return time.Time{}, false
	}
	s.publish(next, expr)
	return next, true
}

// noteUnusable logs the blocking condition once per change, not once per
// poll.
func (s *Scheduler) noteUnusable(reason string) {
	s.mu.Lock()
	changed := s.lastReason != reason
	s.lastReason = reason
	s.mu.Unlock()
	if changed && reason != "" {
		log.Printf("scheduler: not scheduling: %s", reason)
	}
}

// unusable explains why a scheduled merge cannot run yet, or returns "".
func (s *Scheduler) unusable(settings store.Settings) string {
	sources, err := settings.SelectedSources()
	if err != nil {
		return err.Error()
	}
	if len(sources) == 0 {
		return "no sources selected"
	}
	ids, err := s.cfg.Channels.Load(settings.MergeChannelsVersion())
	if err != nil {
		return fmt.Sprintf("channels version %s not loadable: %v", settings.MergeChannelsVersion(), err)
	}
	if len(ids) == 0 {
		return fmt.Sprintf("channels version %s is empty", settings.MergeChannelsVersion())
	}
	return ""
}

func (s *Scheduler) publish(next time.Time, expr string) {
	s.mu.Lock()
	changed := !s.next.Equal(next)
	s.next = next
	s.expr = expr
	s.mu.Unlock()
	if changed {
		if next.IsZero() {
			log.Printf("scheduler: no next run scheduled")
		} else {
			log.Printf("scheduler: next run %s", next.Format(time.RFC3339))
		}
		if s.cfg.OnNextRun != nil {
			s.cfg.OnNextRun(next)
		}
	}
}

// NextRun returns the published next activation. A stale value (the loop is
// busy merging past its own activation) is re-evaluated so the result is
// never in the past.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	next, expr := s.next, s.expr
	s.mu.Unlock()
	if next.IsZero() {
		return time.Time{}, false
	}
	if now := time.Now().In(s.loc); !next.After(now) && expr != "" {
		if n, err := Next(expr, now); err == nil {
			return n, true
		}
	}
	return next, true
}

// runScheduled executes one cron activation inline. A run already holding
// the flight (a manual run, typically) turns the activation into a logged
// skip.
func (s *Scheduler) runScheduled(ctx context.Context) {
	if !s.cfg.Flight.TryAcquire() {
		log.Printf("scheduler: merge already running, skipping scheduled run")
		return
	}
	now := time.Now()
	jobID := jobIDAt(now)
	job, err := s.cfg.Store.CreateJob(jobID, now)
	if err != nil {
		s.cfg.Flight.Release()
		log.Printf("scheduler: create job %s: %v", jobID, err)
		return
	}
	s.emitJob(job)
	s.execute(ctx, jobID)
}

// ExecuteNow starts a manual run of the scheduled pipeline. The job runs in
// the background; the id is returned immediately. A run already in flight
// yields a busy error.
func (s *Scheduler) ExecuteNow() (string, error) {
	if !s.cfg.Flight.TryAcquire() {
		return "", &merge.Error{Kind: merge.KindBusy, Msg: "a merge is already running"}
	}
	now := time.Now()
	jobID := jobIDAt(now)
	job, err := s.cfg.Store.CreateJob(jobID, now)
	if err != nil {
		s.cfg.Flight.Release()
		return "", err
	}
	s.emitJob(job)
	go s.execute(context.Background(), jobID)
	return jobID, nil
}

// Cancel signals the active run to stop at its next suspension point.
// Returns false when nothing is running.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancelRun
	id := s.runningID
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	log.Printf("scheduler: cancel requested for %s", id)
	cancel()
	return true
}

// RunningJobID returns the active job id, or "".
func (s *Scheduler) RunningJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningID
}

func jobIDAt(t time.Time) string {
	return "scheduled_merge_" + t.UTC().Format("20060102_150405")
}

// execute owns one job from running to terminal. The flight is held on
// entry and released only after the job row is terminal and the follow-up
// archive and notification steps are done.
func (s *Scheduler) execute(ctx context.Context, jobID string) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runningID = jobID
	s.cancelRun = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.runningID = ""
		s.cancelRun = nil
		s.mu.Unlock()
		cancel()
		metrics.JobsRunning.Set(0)
		s.cfg.Flight.Release()
	}()

	if err := s.cfg.Store.MarkJobRunning(jobID); err != nil {
		log.Printf("scheduler: mark %s running: %v", jobID, err)
	}
	metrics.JobsRunning.Set(1)
	if job, err := s.cfg.Store.GetJob(jobID); err == nil {
		s.emitJob(job)
	}

	settings, err := s.cfg.Store.Settings()
	if err != nil {
		s.finish(ctx, jobID, store.JobFailed, store.JobResult{ErrorMessage: err.Error()}, "")
		return
	}
	req, err := s.buildRequest(settings)
	if err != nil {
		s.finish(ctx, jobID, store.JobFailed, store.JobResult{ErrorMessage: err.Error()}, settings.DiscordWebhook())
		return
	}

	log.Printf("scheduler: %s merging %d sources, %d channels, %d day timeframe",
		jobID, len(req.Sources), len(req.Channels), req.Timeframe)

	report, runErr, abandoned := s.runWithWatchdog(runCtx, cancel, req)
	webhook := settings.DiscordWebhook()

	switch {
	case abandoned:
		msg := timeoutMessage(req.MergeTimeout)
		log.Printf("scheduler: %s did not stop within %s of cancel, abandoning run", jobID, s.grace)
		os.Remove(filepath.Join(s.cfg.Engine.TmpDir, req.OutputFilename))
		s.finish(ctx, jobID, store.JobTimeout, store.JobResult{ErrorMessage: msg}, webhook)
	case runErr != nil:
		status := store.JobFailed
		msg := runErr.Error()
		if kind, ok := merge.KindOf(runErr); ok && kind == merge.KindMergeTimeout {
			status = store.JobTimeout
			var me *merge.Error
			if errors.As(runErr, &me) && me.Msg != "" {
				msg = me.Msg
			}
		} else if runCtx.Err() != nil && ctx.Err() == nil {
			// Cooperative cancel, not a process shutdown.
			msg = "Merge cancelled"
		}
		log.Printf("scheduler: %s %s: %s", jobID, status, msg)
		s.finish(ctx, jobID, status, store.JobResult{ErrorMessage: msg}, webhook)
	default:
		s.warnOnChannelDrop(settings, len(req.Channels), report.ChannelsIncluded)
		if _, err := s.cfg.Archive.Promote(req.OutputFilename, report.ChannelsIncluded,
			report.ProgramsIncluded, report.DaysIncluded, settings.RetentionCleanup()); err != nil {
			log.Printf("scheduler: %s promote: %v", jobID, err)
			s.finish(ctx, jobID, store.JobFailed, store.JobResult{ErrorMessage: fmt.Sprintf("archive promote: %v", err)}, webhook)
			return
		}
		s.finish(ctx, jobID, store.JobSuccess, store.JobResult{
			MergeFilename:        req.OutputFilename,
			ChannelsIncluded:     report.ChannelsIncluded,
			ProgramsIncluded:     report.ProgramsIncluded,
			FileSize:             report.FileSizeHuman,
			PeakMemoryMB:         report.PeakMemoryMB,
			DaysIncluded:         report.DaysIncluded,
			ExecutionTimeSeconds: report.ExecutionTimeSeconds,
		}, webhook)
	}
}

// runWithWatchdog runs the engine under the merge timeout. On breach it
// cancels the run and gives the engine a grace period to unwind; a run that
// does not exit in time is abandoned to its goroutine.
func (s *Scheduler) runWithWatchdog(runCtx context.Context, cancel context.CancelFunc, req merge.Request) (report *merge.Report, err error, abandoned bool) {
	type result struct {
		report *merge.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := s.cfg.Engine.Run(runCtx, req)
		done <- result{rep, err}
	}()

	watchdog := time.NewTimer(req.MergeTimeout)
	defer watchdog.Stop()
	select {
	case res := <-done:
		return res.report, res.err, false
	case <-watchdog.C:
		cancel()
		grace := time.NewTimer(s.grace)
		defer grace.Stop()
		select {
		case <-done:
			// The watchdog verdict stands regardless of how the engine
			// returned: the deadline was breached.
			return nil, &merge.Error{Kind: merge.KindMergeTimeout, Msg: timeoutMessage(req.MergeTimeout)}, false
		case <-grace.C:
			return nil, nil, true
		}
	}
}

// buildRequest assembles the engine request from current settings.
func (s *Scheduler) buildRequest(settings store.Settings) (merge.Request, error) {
	sources, err := settings.SelectedSources()
	if err != nil {
		return merge.Request{}, err
	}
	ids, err := s.cfg.Channels.Load(settings.MergeChannelsVersion())
	if err != nil {
		return merge.Request{}, fmt.Errorf("load channels version %s: %w", settings.MergeChannelsVersion(), err)
	}
	timeframe, err := strconv.Atoi(settings.MergeTimeframe())
	if err != nil {
		return merge.Request{}, fmt.Errorf("merge_timeframe %q: %w", settings.MergeTimeframe(), err)
	}
	return merge.Request{
		Sources:         sources,
		Channels:        ids,
		Timeframe:       timeframe,
		FeedType:        settings.SelectedFeedType(),
		OutputFilename:  settings.OutputFilename(),
		DownloadTimeout: settings.DownloadTimeout(),
		MergeTimeout:    settings.MergeTimeout(),
	}, nil
}

// finish records the terminal state, emits the transition, and notifies.
// Store or webhook trouble is logged; the job outcome is already decided.
func (s *Scheduler) finish(ctx context.Context, jobID, status string, r store.JobResult, webhook string) {
	if _, err := s.cfg.Store.FinishJob(jobID, status, time.Now(), r); err != nil {
		log.Printf("scheduler: finish %s: %v", jobID, err)
	}
	job, err := s.cfg.Store.GetJob(jobID)
	if err != nil {
		log.Printf("scheduler: reload %s: %v", jobID, err)
		return
	}
	s.emitJob(job)
	if webhook == "" || s.cfg.Notifier == nil {
		return
	}
	if job.Status == store.JobSuccess {
		s.cfg.Notifier.MergeCompleted(ctx, webhook, job)
	} else {
		s.cfg.Notifier.MergeFailed(ctx, webhook, job)
	}
}

func (s *Scheduler) warnOnChannelDrop(settings store.Settings, selected, included int) {
	pct, enabled := settings.ChannelDropThreshold()
	if !enabled || selected == 0 {
		return
	}
	drop := (1 - float64(included)/float64(selected)) * 100
	if drop > pct {
		log.Printf("scheduler: channel drop %.1f%% exceeds threshold %.1f%% (selected %d, included %d)",
			drop, pct, selected, included)
	}
}

func (s *Scheduler) emitJob(job store.Job) {
	if s.cfg.OnJob != nil {
		s.cfg.OnJob(job)
	}
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Merge exceeded timeout limit of %d seconds", int(d.Seconds()))
}
