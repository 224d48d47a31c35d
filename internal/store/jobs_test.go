package store

import (
	"errors"
	"testing"
	"time"
)

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 8, 24, 0, 0, 5, 0, time.UTC)

	j, err := s.CreateJob("scheduled_merge_20260824_000005", started)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != JobPending {
		t.Errorf("new job status = %q", j.Status)
	}

	if err := s.MarkJobRunning(j.JobID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	running, err := s.RunningJob()
	if err != nil {
		t.Fatalf("running job: %v", err)
	}
	if running.JobID != j.JobID {
		t.Errorf("running job = %q", running.JobID)
	}

	done := started.Add(90 * time.Second)
	ok, err := s.FinishJob(j.JobID, JobSuccess, done, JobResult{
		MergeFilename:        "merged.xml.gz",
		ChannelsIncluded:     142,
		ProgramsIncluded:     35017,
		FileSize:             "4.12MB",
		PeakMemoryMB:         88.4,
		DaysIncluded:         3,
		ExecutionTimeSeconds: 90,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !ok {
		t.Fatal("finish reported no-op for a running job")
	}

	got, err := s.GetJob(j.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != JobSuccess || !got.Terminal() {
		t.Errorf("status = %q", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
	if got.ChannelsIncluded != 142 || got.ProgramsIncluded != 35017 {
		t.Errorf("counts = %d/%d", got.ChannelsIncluded, got.ProgramsIncluded)
	}
	if got.FileSize != "4.12MB" || got.PeakMemoryMB != 88.4 {
		t.Errorf("size/mem = %q/%v", got.FileSize, got.PeakMemoryMB)
	}

	if _, err := s.RunningJob(); !errors.Is(err, ErrNotFound) {
		t.Errorf("running job after finish: %v", err)
	}
}

func TestFinishJob_terminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().UTC()
	j, _ := s.CreateJob("job1", started)
	if err := s.MarkJobRunning(j.JobID); err != nil {
		t.Fatal(err)
	}

	// Watchdog marks the job timed out first.
	ok, err := s.FinishJob(j.JobID, JobTimeout, started.Add(5*time.Minute), JobResult{
		ErrorMessage: "Merge exceeded timeout limit of 300 seconds",
	})
	if err != nil || !ok {
		t.Fatalf("timeout finish: ok=%v err=%v", ok, err)
	}

	// The late engine result must not overwrite the verdict.
	ok, err = s.FinishJob(j.JobID, JobSuccess, started.Add(6*time.Minute), JobResult{MergeFilename: "late.xml.gz"})
	if err != nil {
		t.Fatalf("late finish: %v", err)
	}
	if ok {
		t.Error("late finish overwrote a terminal job")
	}
	got, _ := s.GetJob(j.JobID)
	if got.Status != JobTimeout || got.MergeFilename != "" {
		t.Errorf("job mutated after terminal: %+v", got)
	}
}

func TestFinishJob_rejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	s.CreateJob("job1", time.Now().UTC())
	if _, err := s.FinishJob("job1", JobRunning, time.Now().UTC(), JobResult{}); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestMarkJobRunning_requiresPending(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkJobRunning("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job: %v", err)
	}
	j, _ := s.CreateJob("job1", time.Now().UTC())
	s.MarkJobRunning(j.JobID)
	if err := s.MarkJobRunning(j.JobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double running: %v", err)
	}
}

func TestMarkStuckJobsFailed(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	stale, _ := s.CreateJob("stale", now.Add(-3*time.Hour))
	s.MarkJobRunning(stale.JobID)
	fresh, _ := s.CreateJob("fresh", now.Add(-10*time.Minute))
	s.MarkJobRunning(fresh.JobID)
	s.CreateJob("pending", now.Add(-4*time.Hour))

	n, err := s.MarkStuckJobsFailed(now, 2*time.Hour)
	if err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	got, _ := s.GetJob("stale")
	if got.Status != JobFailed {
		t.Errorf("stale status = %q", got.Status)
	}
	if got.ErrorMessage != StuckJobMessage {
		t.Errorf("stale message = %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("stale completed_at = %v", got.CompletedAt)
	}

	if got, _ := s.GetJob("fresh"); got.Status != JobRunning {
		t.Errorf("fresh job touched: %q", got.Status)
	}
	if got, _ := s.GetJob("pending"); got.Status != JobPending {
		t.Errorf("pending job touched: %q", got.Status)
	}
}

func TestListJobs_orderAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := s.CreateJob(
			time.Duration(i).String()+"_job",
			base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListJobs(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len = %d", len(jobs))
	}
	if !jobs[0].StartedAt.After(jobs[1].StartedAt) || !jobs[1].StartedAt.After(jobs[2].StartedAt) {
		t.Errorf("jobs not newest first: %v %v %v", jobs[0].StartedAt, jobs[1].StartedAt, jobs[2].StartedAt)
	}

	all, _ := s.ListJobs(0)
	if len(all) != 5 {
		t.Errorf("all = %d", len(all))
	}

	latest, err := s.LatestJob()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.StartedAt.Equal(jobs[0].StartedAt) {
		t.Errorf("latest = %v, want %v", latest.StartedAt, jobs[0].StartedAt)
	}
}

func TestClearJobs(t *testing.T) {
	s := newTestStore(t)
	s.CreateJob("a", time.Now().UTC())
	s.CreateJob("b", time.Now().UTC())
	n, err := s.ClearJobs()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d", n)
	}
	if _, err := s.LatestJob(); !errors.Is(err, ErrNotFound) {
		t.Errorf("latest after clear: %v", err)
	}
}
