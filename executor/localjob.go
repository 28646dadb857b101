package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/store"
)

// LocalJob runs work through the in-process job table: it enqueues a
// row, hands the actual model call to a delegate adapter on a
// background goroutine, and polls the row until it reaches a terminal
// state or the per-job timeout expires.
type LocalJob struct {
	store        *store.Store
	delegate     Adapter
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewLocalJob creates the local-runner adapter. delegate performs the
// actual model call (normally the OpenRouter adapter).
func NewLocalJob(s *store.Store, delegate Adapter, timeout, pollInterval time.Duration, logger *slog.Logger) *LocalJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalJob{
		store:        s,
		delegate:     delegate,
		timeout:      timeout,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Name implements Adapter.
func (l *LocalJob) Name() string { return "Local" }

// Run implements Adapter.
func (l *LocalJob) Run(ctx context.Context, prompt, model string) *Result {
	jobID := uuid.NewString()

	payload, _ := json.Marshal(map[string]string{"model": model})
	if err := l.store.CreateJob(jobID, string(payload)); err != nil {
		return observe(&Result{
			Error:       err.Error(),
			FailureType: health.FailureError,
			Executor:    l.Name(),
		})
	}
	_ = l.store.AppendJobLog(jobID, "queued")

	go l.execute(ctx, jobID, prompt, model)

	started := time.Now()
	deadline := started.Add(l.timeout)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.store.MarkJobFailed(jobID, "cancelled")
			return observe(&Result{
				Duration:    time.Since(started),
				Error:       "cancelled",
				FailureType: health.FailureError,
				Executor:    l.Name(),
			})
		case <-ticker.C:
		}

		job, err := l.store.GetJob(jobID)
		if err != nil {
			return observe(&Result{
				Duration:    time.Since(started),
				Error:       err.Error(),
				FailureType: health.FailureError,
				Executor:    l.Name(),
			})
		}

		switch {
		case job == nil:
			// Should not happen; treat as failure.
			return observe(&Result{
				Duration:    time.Since(started),
				Error:       "job row vanished",
				FailureType: health.FailureError,
				Executor:    l.Name(),
			})
		case job.Status == store.JobCompleted:
			return observe(&Result{
				Success:  true,
				Output:   job.Result,
				Duration: time.Since(started),
				Executor: l.Name(),
			})
		case job.Status == store.JobFailed:
			errText := "job failed"
			if job.Error != nil {
				errText = *job.Error
			}
			return observe(&Result{
				Duration:    time.Since(started),
				Error:       errText,
				FailureType: health.FailureError,
				Executor:    l.Name(),
			})
		}

		if time.Now().After(deadline) {
			errText := fmt.Sprintf("timeout_after_%ds", int(l.timeout.Seconds()))
			_ = l.store.MarkJobFailed(jobID, errText)
			return observe(&Result{
				Duration:    time.Since(started),
				Error:       errText,
				FailureType: health.FailureError,
				Executor:    l.Name(),
			})
		}
	}
}

// execute is the background runner for one job row.
func (l *LocalJob) execute(ctx context.Context, jobID, prompt, model string) {
	defer func() {
		if r := recover(); r != nil {
			_ = l.store.MarkJobFailed(jobID, fmt.Sprintf("runner_exception: %v", r))
		}
	}()

	if err := l.store.MarkJobRunning(jobID); err != nil {
		l.logger.Warn("Failed to mark job running", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	_ = l.store.AppendJobLog(jobID, "running model "+model)

	res := l.delegate.Run(ctx, prompt, model)
	if res.Success {
		_ = l.store.AppendJobLog(jobID, "completed")
		_ = l.store.MarkJobCompleted(jobID, res.Output, model)
		return
	}
	_ = l.store.AppendJobLog(jobID, "failed: "+res.Error)
	_ = l.store.MarkJobFailed(jobID, res.Error)
}

// EnsureLocalToken returns the bearer token for the local runner,
// generating and persisting one (0600) on first use.
func EnsureLocalToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "openclaw_token.txt")
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return string(b), nil
	}
	token := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to persist local runner token: %w", err)
	}
	return token, nil
}
