package store

// Task statuses. running/active are in-flight, dev_done awaits review,
// done is terminal; blocked is terminal for non-recurring work unless a
// resolution routine revives it.
const (
	StatusPending         = "pending"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusActive          = "active"
	StatusRunning         = "running"
	StatusBlocked         = "blocked"
	StatusPausedLimit     = "paused_limit"
	StatusQueuedForClaude = "queued_for_claude"
	StatusDevDone         = "dev_done"
	StatusReview          = "review"
	StatusDone            = "done"
)

// Schedule types.
const (
	ScheduleNone     = "none"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// Task is the unit of work driven through the pipeline.
type Task struct {
	ID              int64   `db:"id"`
	Title           string  `db:"title"`
	Description     string  `db:"description"`
	Status          string  `db:"status"`
	AssignedAgentID *int64  `db:"assigned_agent_id"`
	DueDate         *string `db:"due_date"`
	IsCritical      bool    `db:"is_critical"`
	RequiresApproval bool   `db:"requires_approval"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`

	ScheduleType    string  `db:"schedule_type"`
	CronExpr        *string `db:"cron_expr"`
	IntervalMinutes *int64  `db:"interval_minutes"`
	IsRecurring     bool    `db:"is_recurring"`
	NextRunAt       *string `db:"next_run_at"`
	LastRunAt       *string `db:"last_run_at"`

	LastResult    string  `db:"last_result"`
	LastError     *string `db:"last_error"`
	ReviewSummary *string `db:"review_summary"`
	RetryCount    int     `db:"retry_count"`

	JobID             *string `db:"openclaw_job_id"`
	JobStatus         *string `db:"openclaw_job_status"`
	LastStatusPayload string  `db:"openclaw_last_status_payload"`

	ResumeBlockIndex *int64 `db:"resume_block_index"`
	ResumePipelineID *int64 `db:"resume_pipeline_id"`
}

// Agent is a named worker persona bound to a pipeline and default model.
type Agent struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	Role       string `db:"role"`
	Model      string `db:"model"`
	PipelineID *int64 `db:"pipeline_id"`
	IsActive   bool   `db:"is_active"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// Pipeline is a sequenced list of blocks stored as JSON.
type Pipeline struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	Description *string `db:"description"`
	TaskType    *string `db:"task_type"`
	BlocksJSON  string  `db:"blocks_json"`
	IsActive    bool    `db:"is_active"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
}

// Decision statuses.
const (
	DecisionPending    = "pending"
	DecisionApproved   = "approved"
	DecisionRejected   = "rejected"
	DecisionExpired    = "expired"
	DecisionSuperseded = "superseded"
)

// Decision is a single-use approval capability.
type Decision struct {
	DecisionID     string  `db:"decision_id"`
	EntityType     string  `db:"entity_type"`
	EntityID       int64   `db:"entity_id"`
	Action         string  `db:"action"`
	Status         string  `db:"status"`
	TokenHash      string  `db:"token_hash"`
	TokenSalt      string  `db:"token_salt"`
	ExpiresAt      *string `db:"expires_at"`
	RequestedAt    string  `db:"requested_at"`
	DecidedAt      *string `db:"decided_at"`
	Requester      string  `db:"requester"`
	DeciderIP      *string `db:"decider_ip"`
	DeciderUA      *string `db:"decider_ua"`
	ResultMarkdown string  `db:"result_markdown"`
	Error          *string `db:"error"`
	UpdatedAt      *string `db:"updated_at"`
}

// Critique is a free-form review note, optionally attached to a task.
type Critique struct {
	ID        int64  `db:"id"`
	TaskID    *int64 `db:"task_id"`
	Title     string `db:"title"`
	Body      string `db:"body"`
	Severity  string `db:"severity"`
	CreatedAt string `db:"created_at"`
}

// ActionLogEntry is one row of the append-only audit trail.
type ActionLogEntry struct {
	ID         int64   `db:"id"`
	TS         string  `db:"ts"`
	Actor      string  `db:"actor"`
	Action     string  `db:"action"`
	EntityType string  `db:"entity_type"`
	EntityID   *string `db:"entity_id"`
	Detail     string  `db:"detail"`
	Layer      *string `db:"layer"`
	Model      *string `db:"model"`
}

// ExecutorLogEntry is one per-block record of a pipeline run.
type ExecutorLogEntry struct {
	ID              int64   `db:"id"`
	TaskID          int64   `db:"task_id"`
	PipelineID      int64   `db:"pipeline_id"`
	BlockIndex      int     `db:"block_index"`
	BlockType       string  `db:"block_type"`
	Model           string  `db:"model"`
	Executor        string  `db:"executor"`
	StartedAt       string  `db:"started_at"`
	DurationSeconds float64 `db:"duration_seconds"`
	Success         bool    `db:"success"`
	PassFail        *string `db:"pass_fail"`
	ReviewNotes     *string `db:"review_notes"`
	OutputPreview   string  `db:"output_preview"`
	FailureType     *string `db:"failure_type"`
	Error           *string `db:"error"`
}

// HealthRow is the singleton premium-CLI health record (id=1).
type HealthRow struct {
	ID                  int64   `db:"id"`
	State               string  `db:"state"`
	LastSuccess         *string `db:"last_success"`
	LastFailure         *string `db:"last_failure"`
	LastFailureType     *string `db:"last_failure_type"`
	ConsecutiveFailures int     `db:"consecutive_failures"`
	DailyInvocations    int     `db:"daily_invocations"`
	DailyResetAt        *string `db:"daily_reset_at"`
	UpdatedAt           *string `db:"updated_at"`
}

// Routine kinds.
const (
	RoutineIdleAutostart     = "idle_autostart"
	RoutineReviewAutocreate  = "review_autocreate"
	RoutineStatusReportEmail = "status_report_email"
	RoutineBlockedResolution = "blocked_resolution"
	RoutinePlanningNextPhase = "planning_next_phase"
)

// Routine is a background auto-advancement loop configuration.
type Routine struct {
	ID              string  `db:"id"`
	Name            string  `db:"name"`
	Kind            string  `db:"kind"`
	IsEnabled       bool    `db:"is_enabled"`
	AgentID         *int64  `db:"agent_id"`
	ClaimUnassigned bool    `db:"claim_unassigned"`
	Description     *string `db:"description"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

// Job statuses for the local in-process runner.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is one row of the local job runner's work table.
type Job struct {
	JobID      string  `db:"job_id"`
	Status     string  `db:"status"`
	CreatedAt  string  `db:"created_at"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
	Payload    string  `db:"payload"`
	Result     string  `db:"result"`
	Error      *string `db:"error"`
	Logs       string  `db:"logs"`
	UsedModel  *string `db:"used_model"`
}
