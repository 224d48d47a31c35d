package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job statuses. Transitions are monotonic: pending → running → one of the
// terminal states; a terminal row is never updated again.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
	JobTimeout = "timeout"
)

// StuckJobMessage is the synthetic error recorded by MarkStuckJobsFailed.
const StuckJobMessage = "Stuck job recovered on startup"

// Job is one merge invocation with its durable outcome.
type Job struct {
	JobID                string     `json:"job_id"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	MergeFilename        string     `json:"merge_filename,omitempty"`
	ChannelsIncluded     int        `json:"channels_included"`
	ProgramsIncluded     int        `json:"programs_included"`
	FileSize             string     `json:"file_size,omitempty"`
	PeakMemoryMB         float64    `json:"peak_memory_mb"`
	DaysIncluded         int        `json:"days_included"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	ExecutionTimeSeconds float64    `json:"execution_time_seconds"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobSuccess, JobFailed, JobTimeout:
		return true
	}
	return false
}

// JobResult carries the fields recorded when a job finishes.
type JobResult struct {
	MergeFilename        string
	ChannelsIncluded     int
	ProgramsIncluded     int
	FileSize             string
	PeakMemoryMB         float64
	DaysIncluded         int
	ErrorMessage         string
	ExecutionTimeSeconds float64
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(jobID string, startedAt time.Time) (Job, error) {
	_, err := s.db.Exec(
		`INSERT INTO jobs (job_id, status, started_at) VALUES (?, ?, ?)`,
		jobID, JobPending, encodeTime(startedAt))
	if err != nil {
		return Job{}, fmt.Errorf("create job %s: %w", jobID, err)
	}
	return Job{JobID: jobID, Status: JobPending, StartedAt: startedAt.UTC()}, nil
}

// MarkJobRunning transitions a pending job to running.
func (s *Store) MarkJobRunning(jobID string) error {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ? WHERE job_id = ? AND status = ?`,
		JobRunning, jobID, JobPending)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark job %s running: not pending: %w", jobID, ErrNotFound)
	}
	return nil
}

// FinishJob transitions a non-terminal job to the given terminal status and
// records the result fields. Finishing an already-terminal job is a no-op
// (reported via the bool) so a late engine return cannot overwrite a
// watchdog's timeout verdict.
func (s *Store) FinishJob(jobID, status string, completedAt time.Time, r JobResult) (bool, error) {
	switch status {
	case JobSuccess, JobFailed, JobTimeout:
	default:
		return false, fmt.Errorf("finish job %s: %q is not terminal", jobID, status)
	}
	res, err := s.db.Exec(
		`UPDATE jobs SET
		   status = ?, completed_at = ?, merge_filename = ?, channels_included = ?,
		   programs_included = ?, file_size = ?, peak_memory_mb = ?, days_included = ?,
		   error_message = ?, execution_time_seconds = ?
		 WHERE job_id = ? AND status IN (?, ?)`,
		status, encodeTime(completedAt), r.MergeFilename, r.ChannelsIncluded,
		r.ProgramsIncluded, r.FileSize, r.PeakMemoryMB, r.DaysIncluded,
		r.ErrorMessage, r.ExecutionTimeSeconds,
		jobID, JobPending, JobRunning)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkStuckJobsFailed fails every running job older than threshold. Called
// once at startup, before the scheduler loop begins.
func (s *Store) MarkStuckJobsFailed(now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold)
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ?
		 WHERE status = ? AND started_at < ?`,
		JobFailed, encodeTime(now), StuckJobMessage, JobRunning, encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("mark stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RunningJob returns the currently running job, or ErrNotFound when idle.
func (s *Store) RunningJob() (Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE status = ? ORDER BY started_at DESC LIMIT 1`, JobRunning)
	return scanJobRow(row)
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(jobID string) (Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE job_id = ?`, jobID)
	return scanJobRow(row)
}

// LatestJob returns the most recently started job, or ErrNotFound.
func (s *Store) LatestJob() (Job, error) {
	row := s.db.QueryRow(jobSelect + ` ORDER BY started_at DESC, job_id DESC LIMIT 1`)
	return scanJobRow(row)
}

// ListJobs returns up to limit jobs, newest first. limit <= 0 returns all.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	q := jobSelect + ` ORDER BY started_at DESC, job_id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ClearJobs deletes all job rows and returns the count removed.
func (s *Store) ClearJobs() (int, error) {
	res, err := s.db.Exec(`DELETE FROM jobs`)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const jobSelect = `SELECT job_id, status, started_at, completed_at, merge_filename,
	channels_included, programs_included, file_size, peak_memory_mb,
	days_included, error_message, execution_time_seconds FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row *sql.Row) (Job, error) {
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var started string
	var completed, mergeFilename, fileSize, errMsg sql.NullString
	var channels, programs, days sql.NullInt64
	var peakMB, execSecs sql.NullFloat64
	err := row.Scan(&j.JobID, &j.Status, &started, &completed, &mergeFilename,
		&channels, &programs, &fileSize, &peakMB, &days, &errMsg, &execSecs)
	if err != nil {
		return Job{}, err
	}
	j.StartedAt = decodeTime(started)
	if completed.Valid {
		t := decodeTime(completed.String)
		j.CompletedAt = &t
	}
	j.MergeFilename = mergeFilename.String
	j.ChannelsIncluded = int(channels.Int64)
	j.ProgramsIncluded = int(programs.Int64)
	j.FileSize = fileSize.String
	j.PeakMemoryMB = peakMB.Float64
	j.DaysIncluded = int(days.Int64)
	j.ErrorMessage = errMsg.String
	j.ExecutionTimeSeconds = execSecs.Float64
	return j, nil
}
