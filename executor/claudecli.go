package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zeroclaw/zeroclaw/health"
)

const (
	// durationHistoryCap bounds the rolling window used for stealth
	// rate-limit detection.
	durationHistoryCap = 20
	// stealthFactor: an empty exit-0 run slower than this multiple of
	// the rolling average is treated as a throttled call.
	stealthFactor = 3.0
)

// ClaudeCLI invokes the premium CLI as a subprocess and feeds every
// outcome into the health monitor. It keeps two pieces of in-process
// state: a rolling history of successful-run durations (for stealth
// rate-limit detection) and the timestamps of recent rate limits (for
// promotion to a daily limit).
type ClaudeCLI struct {
	command       string
	timeout       time.Duration
	rateWindow    time.Duration
	rateThreshold int
	monitor       *health.Monitor
	logger        *slog.Logger
	now           func() time.Time

	mu             sync.Mutex
	durations      []float64
	rateLimitTimes []time.Time
}

// CLIOption configures a ClaudeCLI adapter.
type CLIOption func(*ClaudeCLI)

// WithCLILogger sets the logger.
func WithCLILogger(logger *slog.Logger) CLIOption {
	return func(c *ClaudeCLI) { c.logger = logger }
}

// WithCLIClock overrides the time source (used in tests).
func WithCLIClock(now func() time.Time) CLIOption {
	return func(c *ClaudeCLI) { c.now = now }
}

// NewClaudeCLI creates the premium CLI adapter.
func NewClaudeCLI(command string, timeout time.Duration, rateThreshold int, rateWindow time.Duration, monitor *health.Monitor, opts ...CLIOption) *ClaudeCLI {
	c := &ClaudeCLI{
		command:       command,
		timeout:       timeout,
		rateWindow:    rateWindow,
		rateThreshold: rateThreshold,
		monitor:       monitor,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Adapter.
func (c *ClaudeCLI) Name() string { return "Claude CLI" }

// Run implements Adapter.
func (c *ClaudeCLI) Run(ctx context.Context, prompt, model string) *Result {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.command, "-p", prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := c.now()
	runErr := cmd.Run()
	elapsed := c.now().Sub(started)

	if runCtx.Err() == context.DeadlineExceeded {
		return c.failure(health.FailureTimeout, "timeout", elapsed)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The CLI binary itself could not be started.
			return c.failure(health.FailureError, runErr.Error(), elapsed)
		}
		combined := stdout.String() + "\n" + stderr.String()
		ft := classifyFailureOutput(combined)
		if ft == "" {
			ft = health.FailureError
		}
		if ft == health.FailureRateLimit {
			ft = c.recordRateLimit()
		}
		return c.failure(ft, strings.TrimSpace(combined), elapsed)
	}

	output := strings.TrimSpace(stdout.String())

	if output == "" {
		if c.isStealthLimit(elapsed) {
			ft := c.recordRateLimit()
			return c.failure(ft, "suspected rate limit: empty output after slow run", elapsed)
		}
		return c.failure(health.FailureError, "empty output", elapsed)
	}

	// A clean exit can still carry a limit message in the output.
	if ft := classifyLimitOutput(output); ft != "" {
		if ft == health.FailureRateLimit {
			ft = c.recordRateLimit()
		}
		return c.failure(ft, output, elapsed)
	}

	c.recordSuccess(elapsed)
	if err := c.monitor.RecordSuccess(); err != nil {
		c.logger.Warn("Failed to record executor success", slog.String("error", err.Error()))
	}
	return observe(&Result{
		Success:  true,
		Output:   output,
		Duration: elapsed,
		Executor: c.Name(),
	})
}

func (c *ClaudeCLI) failure(failureType, errText string, elapsed time.Duration) *Result {
	if err := c.monitor.RecordFailure(failureType); err != nil {
		c.logger.Warn("Failed to record executor failure", slog.String("error", err.Error()))
	}
	return observe(&Result{
		Duration:    elapsed,
		Error:       errText,
		FailureType: failureType,
		Executor:    c.Name(),
	})
}

// recordRateLimit notes a rate limit and promotes it to a daily limit
// once the threshold is reached within the rolling window.
func (c *ClaudeCLI) recordRateLimit() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-c.rateWindow)
	kept := c.rateLimitTimes[:0]
	for _, t := range c.rateLimitTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.rateLimitTimes = append(kept, now)

	if len(c.rateLimitTimes) >= c.rateThreshold {
		c.logger.Warn("Consecutive rate limits promoted to daily limit",
			slog.Int("count", len(c.rateLimitTimes)),
			slog.Duration("window", c.rateWindow))
		return health.FailureDaily
	}
	return health.FailureRateLimit
}

// isStealthLimit reports whether an empty exit-0 run took suspiciously
// long against the rolling average of recent successful runs.
func (c *ClaudeCLI) isStealthLimit(elapsed time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.durations) == 0 {
		return false
	}
	var sum float64
	for _, d := range c.durations {
		sum += d
	}
	avg := sum / float64(len(c.durations))
	return elapsed.Seconds() > stealthFactor*avg
}

func (c *ClaudeCLI) recordSuccess(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.durations = append(c.durations, elapsed.Seconds())
	if len(c.durations) > durationHistoryCap {
		c.durations = c.durations[len(c.durations)-durationHistoryCap:]
	}
	c.rateLimitTimes = nil
}
