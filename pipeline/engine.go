package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeroclaw/zeroclaw/agentfiles"
	"github.com/zeroclaw/zeroclaw/executor"
	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/store"
)

// outputPreviewLimit bounds output_preview in the executor log.
const outputPreviewLimit = 1000

var blocksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zeroclaw_pipeline_blocks_total",
	Help: "Pipeline blocks executed by kind and outcome.",
}, []string{"kind", "outcome"})

// Engine walks a task through its pipeline's block sequence.
type Engine struct {
	store    *store.Store
	registry *executor.Registry
	monitor  *health.Monitor
	agents   *agentfiles.Dir
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a pipeline engine.
func NewEngine(s *store.Store, registry *executor.Registry, monitor *health.Monitor, agents *agentfiles.Dir, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: registry,
		monitor:  monitor,
		agents:   agents,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the mutable state carried across blocks of one run.
type runState struct {
	task        *store.Task
	agent       *store.Agent
	pipeline    *store.Pipeline
	blocks      []Block
	output      string // latest candidate output
	reviewNotes string // notes from the most recent FAIL review
	failed      bool   // a review FAILed and has not been redeemed yet
}

// Run drives a freshly dispatched task through its pipeline from block
// zero. Terminal tasks and tasks already being run are no-ops.
func (e *Engine) Run(ctx context.Context, taskID int64) error {
	return e.run(ctx, taskID, false)
}

// Resume re-enters the pipeline of a paused task at its persisted
// resume pointer.
func (e *Engine) Resume(ctx context.Context, taskID int64) error {
	return e.run(ctx, taskID, true)
}

func (e *Engine) run(ctx context.Context, taskID int64, resume bool) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d not found", taskID)
	}

	switch task.Status {
	case store.StatusDone, store.StatusRejected:
		return nil
	case store.StatusRunning:
		// Another runner owns this task.
		e.logger.Warn("Task already running, skipping", slog.Int64("task_id", taskID))
		return nil
	}

	startIndex := 0
	var pipe *store.Pipeline
	if resume {
		if task.Status != store.StatusPausedLimit && task.Status != store.StatusQueuedForClaude {
			return nil
		}
		if task.ResumePipelineID == nil || task.ResumeBlockIndex == nil {
			_ = e.store.SetTaskError(taskID, "resume_pointer_missing")
			return e.store.UpdateTaskStatus(taskID, store.StatusBlocked)
		}
		startIndex = int(*task.ResumeBlockIndex)
		pipe, err = e.store.GetPipeline(*task.ResumePipelineID)
		if err != nil {
			return err
		}
	}

	var agent *store.Agent
	if task.AssignedAgentID != nil {
		if agent, err = e.store.GetAgent(*task.AssignedAgentID); err != nil {
			return err
		}
	}

	if pipe == nil {
		if pipe, err = e.store.PipelineForTask(task, agent); err != nil {
			return err
		}
	}
	if pipe == nil {
		_ = e.store.SetTaskError(taskID, "no_pipeline")
		return e.store.UpdateTaskStatus(taskID, store.StatusBlocked)
	}

	blocks, err := ParseBlocks(pipe.BlocksJSON)
	if err != nil {
		_ = e.store.SetTaskError(taskID, "invalid_pipeline: "+err.Error())
		return e.store.UpdateTaskStatus(taskID, store.StatusBlocked)
	}

	if err := e.store.UpdateTaskStatus(taskID, store.StatusRunning); err != nil {
		return err
	}

	e.logger.Info("Running pipeline",
		slog.Int64("task_id", taskID),
		slog.Int64("pipeline_id", pipe.ID),
		slog.Int("start_index", startIndex),
		slog.Bool("resume", resume))

	st := &runState{task: task, agent: agent, pipeline: pipe, blocks: blocks, output: task.LastResult}
	return e.walk(ctx, st, startIndex)
}

// walk executes blocks from startIndex until a terminal block, a
// suspension, or the end of the sequence.
func (e *Engine) walk(ctx context.Context, st *runState, startIndex int) error {
	for i := startIndex; i < len(st.blocks); i++ {
		block := st.blocks[i]
		var (
			stop bool
			err  error
		)
		switch block.Type {
		case BlockRoute:
			e.logBlock(st, i, block, &store.ExecutorLogEntry{Success: true, OutputPreview: block.String("condition", "")}, 0)
			blocksExecuted.WithLabelValues(BlockRoute, "ok").Inc()
		case BlockExecutor:
			err = e.runExecutorBlock(ctx, st, i, block, false)
		case BlockReview:
			i, stop, err = e.runReviewBlock(ctx, st, i, block)
		case BlockRetry:
			err = e.runRetryBlock(ctx, st, i, block)
		case BlockEscalate:
			stop, err = e.runEscalateBlock(ctx, st, i, block)
		case BlockDone:
			return e.finishDone(st, i, block)
		default:
			e.logger.Warn("Unknown block kind, skipping",
				slog.Int64("task_id", st.task.ID),
				slog.String("kind", block.Type))
			e.logBlock(st, i, block, &store.ExecutorLogEntry{Success: true, OutputPreview: "unknown block kind"}, 0)
			blocksExecuted.WithLabelValues("unknown", "skipped").Inc()
		}
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	// Sequence ended without a done block.
	if err := e.store.SetTaskResult(st.task.ID, st.output); err != nil {
		return err
	}
	_ = e.store.ClearResumePointer(st.task.ID)
	return e.store.UpdateTaskStatus(st.task.ID, store.StatusDevDone)
}

func (e *Engine) runExecutorBlock(ctx context.Context, st *runState, index int, block Block, isRetry bool) error {
	adapter := e.registry.Resolve(block.String("executor", ""))
	model := e.resolveModel(st, block)

	includeNotes := isRetry && block.Bool("include_review_notes", false)
	prompt, err := e.buildPrompt(st, includeNotes, isRetry)
	if err != nil {
		return err
	}

	started := time.Now()
	res := adapter.Run(ctx, prompt, model)

	entry := entryFromResult(res)
	e.logBlock(st, index, block, entry, time.Since(started))

	if res.Success {
		st.output = res.Output
		st.failed = false
		blocksExecuted.WithLabelValues(block.Type, "ok").Inc()
		return e.store.SetTaskResult(st.task.ID, res.Output)
	}

	blocksExecuted.WithLabelValues(block.Type, "failed").Inc()
	return e.store.SetTaskError(st.task.ID, res.Error)
}

// runReviewBlock returns the possibly advanced block index (PASS with
// skip_to_done jumps ahead) plus a stop flag when the task reached a
// terminal state.
func (e *Engine) runReviewBlock(ctx context.Context, st *runState, index int, block Block) (int, bool, error) {
	var verdict, notes string
	started := time.Now()

	if strings.TrimSpace(st.output) == "" {
		// Nothing to review; fail without burning a model call.
		verdict = VerdictFail
		notes = "no candidate output to review"
		e.logBlock(st, index, block, &store.ExecutorLogEntry{
			PassFail:    &verdict,
			ReviewNotes: &notes,
		}, 0)
	} else {
		adapter := e.registry.Resolve(block.String("executor", ""))
		model := e.resolveModel(st, block)
		prompt, err := e.buildReviewPrompt(st)
		if err != nil {
			return index, false, err
		}
		res := adapter.Run(ctx, prompt, model)

		if !res.Success {
			verdict = VerdictFail
			notes = res.Error
		} else {
			verdict = ParseVerdict(res.Output)
			notes = res.Output
		}
		entry := entryFromResult(res)
		entry.PassFail = &verdict
		entry.ReviewNotes = &notes
		e.logBlock(st, index, block, entry, time.Since(started))
	}

	if verdict == VerdictPass {
		blocksExecuted.WithLabelValues(block.Type, "pass").Inc()
		st.failed = false
		if err := e.store.SetReviewSummary(st.task.ID, notes); err != nil {
			return index, false, err
		}
		if block.String("pass_action", PassSkipToDone) == PassSkipToDone {
			// Jump to the next done block, or finish outright.
			for j := index + 1; j < len(st.blocks); j++ {
				if st.blocks[j].Type == BlockDone {
					return j - 1, false, nil
				}
			}
			return index, true, e.markDone(st)
		}
		return index, false, nil
	}

	blocksExecuted.WithLabelValues(block.Type, "fail").Inc()
	st.failed = true
	st.reviewNotes = notes
	if err := e.store.SetReviewSummary(st.task.ID, notes); err != nil {
		return index, false, err
	}
	return index, false, nil
}

func (e *Engine) runRetryBlock(ctx context.Context, st *runState, index int, block Block) error {
	if !st.failed {
		return nil
	}
	maxRetries := block.Int("max_retries", 1)

	task, err := e.store.GetTask(st.task.ID)
	if err != nil {
		return err
	}
	if task.RetryCount >= maxRetries {
		e.logger.Info("Retry budget exhausted",
			slog.Int64("task_id", st.task.ID),
			slog.Int("retry_count", task.RetryCount))
		blocksExecuted.WithLabelValues(block.Type, "exhausted").Inc()
		return nil
	}
	if err := e.store.SetTaskRetryCount(st.task.ID, task.RetryCount+1); err != nil {
		return err
	}
	return e.runExecutorBlock(ctx, st, index, block, true)
}

// runEscalateBlock invokes the premium CLI, honoring the block's
// on_limit policy for both the pre-check of the health state and any
// limit failure from the call itself.
func (e *Engine) runEscalateBlock(ctx context.Context, st *runState, index int, block Block) (bool, error) {
	onLimit := block.String("on_limit", OnLimitStop)

	state, err := e.monitor.State()
	if err != nil {
		return false, err
	}
	if state == store.HealthAuthFailed || state == store.HealthUnavailable || state == store.HealthDailyLimitHit {
		return true, e.suspend(st, index, block, onLimit, state, "executor not available: "+state)
	}

	adapter := e.registry.CLI()
	if adapter == nil {
		adapter = e.registry.Resolve(block.String("executor", "claude-cli"))
	}
	model := block.String("model", "claude-cli")

	prompt, err := e.buildPrompt(st, st.reviewNotes != "", st.output != "")
	if err != nil {
		return false, err
	}

	started := time.Now()
	res := adapter.Run(ctx, prompt, model)
	entry := entryFromResult(res)
	e.logBlock(st, index, block, entry, time.Since(started))

	if res.Success {
		st.output = res.Output
		st.failed = false
		blocksExecuted.WithLabelValues(block.Type, "ok").Inc()
		return false, e.store.SetTaskResult(st.task.ID, res.Output)
	}

	blocksExecuted.WithLabelValues(block.Type, "failed").Inc()
	switch res.FailureType {
	case health.FailureDaily:
		return true, e.suspend(st, index, block, onLimit, store.HealthDailyLimitHit, res.Error)
	case health.FailureAuth:
		return true, e.suspend(st, index, block, onLimit, store.HealthAuthFailed, res.Error)
	default:
		if err := e.store.SetTaskError(st.task.ID, res.Error); err != nil {
			return false, err
		}
		return true, e.store.UpdateTaskStatus(st.task.ID, store.StatusBlocked)
	}
}

// suspend parks a task per the escalate block's on_limit policy. queue
// persists the resume pointer in the same statement as the status
// change; stop blocks the task.
func (e *Engine) suspend(st *runState, index int, block Block, onLimit, healthState, reason string) error {
	if err := e.store.SetTaskError(st.task.ID, reason); err != nil {
		return err
	}
	if onLimit != OnLimitQueue {
		e.logger.Info("Escalation stopped, blocking task",
			slog.Int64("task_id", st.task.ID),
			slog.String("health_state", healthState))
		return e.store.UpdateTaskStatus(st.task.ID, store.StatusBlocked)
	}

	status := store.StatusPausedLimit
	if healthState == store.HealthDailyLimitHit {
		status = store.StatusQueuedForClaude
	}
	e.logger.Info("Escalation queued for resume",
		slog.Int64("task_id", st.task.ID),
		slog.String("status", status),
		slog.Int("block_index", index))
	return e.store.SetResumePointer(st.task.ID, status, st.pipeline.ID, index)
}

func (e *Engine) finishDone(st *runState, index int, block Block) error {
	blocksExecuted.WithLabelValues(BlockDone, "ok").Inc()
	return e.markDone(st)
}

func (e *Engine) markDone(st *runState) error {
	if err := e.store.SetTaskResult(st.task.ID, st.output); err != nil {
		return err
	}
	if err := e.store.ClearResumePointer(st.task.ID); err != nil {
		return err
	}
	e.logger.Info("Pipeline complete", slog.Int64("task_id", st.task.ID))
	return e.store.UpdateTaskStatus(st.task.ID, store.StatusDone)
}

// resolveModel picks the block's model, falling back to the agent's
// default.
func (e *Engine) resolveModel(st *runState, block Block) string {
	model := block.String("model", "")
	if model == "" && st.agent != nil {
		model = st.agent.Model
	}
	return model
}

// buildPrompt assembles the execution prompt: agent materials, the
// task, and optionally the reviewer's notes and the prior output.
func (e *Engine) buildPrompt(st *runState, includeNotes, includePrior bool) (string, error) {
	var b strings.Builder

	if st.agent != nil {
		sys, err := e.agents.SystemPrompt(st.agent.Name, st.agent.Role)
		if err != nil {
			return "", err
		}
		if sys != "" {
			b.WriteString(sys)
			b.WriteString("\n\n")
		}
	}

	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", st.task.Title, st.task.Description)

	if includeNotes && st.reviewNotes != "" {
		fmt.Fprintf(&b, "\n## Review Notes\n\nA reviewer found problems with the previous attempt:\n\n%s\n", st.reviewNotes)
	}
	if includePrior && st.output != "" {
		fmt.Fprintf(&b, "\n## Previous Output\n\n%s\n", st.output)
	}
	return b.String(), nil
}

// buildReviewPrompt assembles the reviewer prompt over the candidate
// output.
func (e *Engine) buildReviewPrompt(st *runState) (string, error) {
	var b strings.Builder
	b.WriteString("You are reviewing the output of another agent.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", st.task.Title, st.task.Description)
	fmt.Fprintf(&b, "\n## Candidate Output\n\n%s\n", st.output)
	b.WriteString("\nGive a clear verdict: PASS if the output completes the task, FAIL otherwise. Start your answer with the verdict, then list specific problems if any.\n")
	return b.String(), nil
}

// logBlock writes the per-block executor log entry. Every touched
// block produces exactly one entry.
func (e *Engine) logBlock(st *runState, index int, block Block, entry *store.ExecutorLogEntry, elapsed time.Duration) {
	entry.TaskID = st.task.ID
	entry.PipelineID = st.pipeline.ID
	entry.BlockIndex = index
	entry.BlockType = block.Type
	if entry.Model == "" {
		entry.Model = block.String("model", "")
	}
	if entry.StartedAt == "" {
		entry.StartedAt = store.NowString()
	}
	if entry.DurationSeconds == 0 {
		entry.DurationSeconds = elapsed.Seconds()
	}
	if err := e.store.AppendExecutorLog(entry); err != nil {
		e.logger.Warn("Failed to append executor log",
			slog.Int64("task_id", st.task.ID),
			slog.String("error", err.Error()))
	}
}

// entryFromResult converts an adapter result to a log entry skeleton.
func entryFromResult(res *executor.Result) *store.ExecutorLogEntry {
	entry := &store.ExecutorLogEntry{
		Model:           "",
		Executor:        res.Executor,
		DurationSeconds: res.Duration.Seconds(),
		Success:         res.Success,
		OutputPreview:   truncate(res.Output, outputPreviewLimit),
	}
	if res.FailureType != "" {
		ft := res.FailureType
		entry.FailureType = &ft
	}
	if res.Error != "" {
		errText := res.Error
		entry.Error = &errText
	}
	return entry
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
