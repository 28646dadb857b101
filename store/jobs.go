package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// maxJobLogBytes bounds the accumulated per-job log text.
const maxJobLogBytes = 200_000

// CreateJob inserts a queued local job.
func (s *Store) CreateJob(jobID, payload string) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs(job_id, status, created_at, payload) VALUES(?,?,?,?)`,
		jobID, JobQueued, NowString(), payload)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or nil if absent.
func (s *Store) GetJob(jobID string) (*Job, error) {
	var j Job
	err := s.db.Get(&j, `SELECT * FROM jobs WHERE job_id=?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &j, nil
}

// MarkJobRunning flips a job to running.
func (s *Store) MarkJobRunning(jobID string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status=?, started_at=? WHERE job_id=?`,
		JobRunning, NowString(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", jobID, err)
	}
	return nil
}

// MarkJobCompleted records a successful job result.
func (s *Store) MarkJobCompleted(jobID, result, usedModel string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status=?, finished_at=?, result=?, used_model=? WHERE job_id=?`,
		JobCompleted, NowString(), result, usedModel, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %s completed: %w", jobID, err)
	}
	return nil
}

// MarkJobFailed records a job failure.
func (s *Store) MarkJobFailed(jobID, errText string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status=?, finished_at=?, error=? WHERE job_id=?`,
		JobFailed, NowString(), errText, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}
	return nil
}

// AppendJobLog appends one timestamped line to the job's log, trimming
// from the front past the size cap.
func (s *Store) AppendJobLog(jobID, line string) error {
	var prev string
	err := s.db.Get(&prev, `SELECT logs FROM jobs WHERE job_id=?`, jobID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read job %s log: %w", jobID, err)
	}

	entry := "[" + NowString() + "] " + line
	next := entry
	if prev != "" {
		next = prev + "\n" + entry
	}
	if len(next) > maxJobLogBytes {
		next = next[len(next)-maxJobLogBytes:]
	}

	if _, err := s.db.Exec(`UPDATE jobs SET logs=? WHERE job_id=?`, next, jobID); err != nil {
		return fmt.Errorf("failed to append job %s log: %w", jobID, err)
	}
	return nil
}
