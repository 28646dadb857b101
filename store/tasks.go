package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// helperTitleFilter excludes routine-created helper tasks.
const helperTitleFilter = "title NOT LIKE 'Review:%' AND title NOT LIKE 'Resolve:%' AND title NOT LIKE 'Plan:%'"

// CreateTask inserts a task and returns its id.
func (s *Store) CreateTask(t *Task) (int64, error) {
	now := NowString()
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.ScheduleType == "" {
		t.ScheduleType = ScheduleNone
	}
	res, err := s.db.Exec(`
		INSERT INTO tasks(title, description, status, assigned_agent_id, due_date,
		                  is_critical, requires_approval, created_at, updated_at,
		                  schedule_type, cron_expr, interval_minutes, is_recurring, next_run_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Title, t.Description, t.Status, t.AssignedAgentID, t.DueDate,
		t.IsCritical, t.RequiresApproval, now, now,
		t.ScheduleType, t.CronExpr, t.IntervalMinutes, t.IsRecurring, t.NextRunAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return id, nil
}

// GetTask returns the task with the given id, or nil if absent.
func (s *Store) GetTask(id int64) (*Task, error) {
	var t Task
	err := s.db.Get(&t, `SELECT * FROM tasks WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", id, err)
	}
	return &t, nil
}

// UpdateTaskStatus sets a task's status.
func (s *Store) UpdateTaskStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d status: %w", id, err)
	}
	return nil
}

// SetTaskError records last_error on a task.
func (s *Store) SetTaskError(id int64, errText string) error {
	_, err := s.db.Exec(`UPDATE tasks SET last_error=?, updated_at=? WHERE id=?`, errText, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d error: %w", id, err)
	}
	return nil
}

// SetTaskResult records last_result on a task.
func (s *Store) SetTaskResult(id int64, result string) error {
	_, err := s.db.Exec(`UPDATE tasks SET last_result=?, updated_at=? WHERE id=?`, result, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d result: %w", id, err)
	}
	return nil
}

// SetReviewSummary records a review summary on a task.
func (s *Store) SetReviewSummary(id int64, summary string) error {
	_, err := s.db.Exec(`UPDATE tasks SET review_summary=?, updated_at=? WHERE id=?`, summary, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d review summary: %w", id, err)
	}
	return nil
}

// SetTaskRetryCount updates the shared retry counter.
func (s *Store) SetTaskRetryCount(id int64, count int) error {
	_, err := s.db.Exec(`UPDATE tasks SET retry_count=?, updated_at=? WHERE id=?`, count, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d retry count: %w", id, err)
	}
	return nil
}

// MarkTaskDispatched records the external job handle and flips the task
// to active, clearing any stale error.
func (s *Store) MarkTaskDispatched(id int64, jobID string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, openclaw_job_id=?, openclaw_job_status=?,
		                 last_error=NULL, last_run_at=?, updated_at=?
		WHERE id=?`,
		StatusActive, jobID, JobQueued, NowString(), NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task %d dispatched: %w", id, err)
	}
	return nil
}

// UpdateTaskJobState records the latest observed external job state.
func (s *Store) UpdateTaskJobState(id int64, status, jobState, payload, lastResult string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, openclaw_job_status=?, openclaw_last_status_payload=?,
		                 last_result=?, updated_at=?
		WHERE id=?`,
		status, jobState, payload, lastResult, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d job state: %w", id, err)
	}
	return nil
}

// ClearTaskJob removes the external job handle.
func (s *Store) ClearTaskJob(id int64) error {
	_, err := s.db.Exec(`UPDATE tasks SET openclaw_job_id=NULL, updated_at=? WHERE id=?`, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to clear task %d job: %w", id, err)
	}
	return nil
}

// ClearTaskJobFields removes the handle, observed state, and last error.
func (s *Store) ClearTaskJobFields(id int64) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET openclaw_job_id=NULL, openclaw_job_status=NULL,
		                 last_error=NULL, updated_at=?
		WHERE id=?`, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to clear task %d job fields: %w", id, err)
	}
	return nil
}

// SetResumePointer suspends a pipeline run: status plus the pointer are
// written in one statement so they can never disagree.
func (s *Store) SetResumePointer(id int64, status string, pipelineID int64, blockIndex int) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, resume_pipeline_id=?, resume_block_index=?, updated_at=?
		WHERE id=?`,
		status, pipelineID, blockIndex, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set task %d resume pointer: %w", id, err)
	}
	return nil
}

// ClearResumePointer removes the resume pointer.
func (s *Store) ClearResumePointer(id int64) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET resume_pipeline_id=NULL, resume_block_index=NULL, updated_at=?
		WHERE id=?`, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to clear task %d resume pointer: %w", id, err)
	}
	return nil
}

// RescheduleTask puts a recurring task back to pending with a new next
// run time and clears the job state.
func (s *Store) RescheduleTask(id int64, nextRunAt *string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, next_run_at=?, openclaw_job_status=NULL, updated_at=?
		WHERE id=?`,
		StatusPending, nextRunAt, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule task %d: %w", id, err)
	}
	return nil
}

// ResetTaskForRetry returns a task to approved for another attempt.
func (s *Store) ResetTaskForRetry(id int64, retryCount int) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, openclaw_job_id=NULL, openclaw_job_status=NULL,
		                 last_error=NULL, retry_count=?, updated_at=?
		WHERE id=?`,
		StatusApproved, retryCount, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to reset task %d for retry: %w", id, err)
	}
	return nil
}

// ResetTaskStale returns a stuck task to approved with a marker error,
// keeping retry_count unchanged.
func (s *Store) ResetTaskStale(id int64) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, openclaw_job_id=NULL, openclaw_job_status=NULL,
		                 last_error='stale_running_reset', updated_at=?
		WHERE id=?`,
		StatusApproved, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to reset stale task %d: %w", id, err)
	}
	return nil
}

// UnblockTask revives a blocked task after a resolution: approved, zero
// retries, resolution output carried in review_summary.
func (s *Store) UnblockTask(id int64, resolution string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status=?, review_summary=?, last_error=NULL, retry_count=0,
		                 openclaw_job_id=NULL, openclaw_job_status=NULL, updated_at=?
		WHERE id=?`,
		StatusApproved, resolution, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to unblock task %d: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task and its decisions, critiques, and executor
// log entries.
func (s *Store) DeleteTask(id int64) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin delete of task %d: %w", id, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM decisions WHERE entity_type='task' AND entity_id=?`,
		`DELETE FROM critiques WHERE task_id=?`,
		`DELETE FROM executor_log WHERE task_id=?`,
		`DELETE FROM tasks WHERE id=?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("failed to delete task %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// TasksByStatus lists tasks in any of the given statuses, oldest first.
func (s *Store) TasksByStatus(statuses ...string) ([]Task, error) {
	query, args, err := sqlxIn(`SELECT * FROM tasks WHERE status IN (?) ORDER BY updated_at ASC, id ASC`, statuses)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return tasks, nil
}

// PendingApprovalTasks lists approval-gated tasks still waiting for a
// decision: scheduled ones carry next_run_at, unscheduled critical
// ones qualify immediately.
func (s *Store) PendingApprovalTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='pending' AND requires_approval=1
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approval tasks: %w", err)
	}
	return tasks, nil
}

// ApprovedDispatchableTasks lists approved tasks with no outstanding
// external job handle.
func (s *Store) ApprovedDispatchableTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='approved'
		  AND (openclaw_job_id IS NULL OR openclaw_job_id='')
		ORDER BY updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatchable tasks: %w", err)
	}
	return tasks, nil
}

// TasksWithOutstandingJobs lists in-flight tasks carrying an external
// job handle.
func (s *Store) TasksWithOutstandingJobs() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE openclaw_job_id IS NOT NULL AND openclaw_job_id!=''
		  AND status IN ('active','running')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks with jobs: %w", err)
	}
	return tasks, nil
}

// StaleRunningTasks lists tasks stuck with a running external job whose
// last update is older than cutoff.
func (s *Store) StaleRunningTasks(cutoff string) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status IN ('active','running')
		  AND openclaw_job_status='running'
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running tasks: %w", err)
	}
	return tasks, nil
}

// CompletedActiveTasks lists active tasks whose external job completed.
func (s *Store) CompletedActiveTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks WHERE status='active' AND openclaw_job_status='completed'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed active tasks: %w", err)
	}
	return tasks, nil
}

// RetryableFailedTasks lists failed or blocked tasks under the retry
// budget.
func (s *Store) RetryableFailedTasks(maxRetries int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE ((status='active' AND openclaw_job_status='failed') OR status='blocked')
		  AND retry_count < ?`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable tasks: %w", err)
	}
	return tasks, nil
}

// ExhaustedFailedTasks lists failed tasks past the retry budget not yet
// marked as permanently blocked.
func (s *Store) ExhaustedFailedTasks(maxRetries int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE ((status='active' AND openclaw_job_status='failed')
		    OR (status='blocked' AND (last_error IS NULL OR last_error!='max_retries_exceeded')))
		  AND retry_count >= ?`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted tasks: %w", err)
	}
	return tasks, nil
}

// TasksWithStaleJobFields lists pending/approved tasks still carrying
// observed job state from a previous run.
func (s *Store) TasksWithStaleJobFields() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status IN ('pending','approved')
		  AND openclaw_job_status IS NOT NULL AND openclaw_job_status!=''`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks with stale job fields: %w", err)
	}
	return tasks, nil
}

// PendingNonCriticalTasks lists auto-approvable tasks.
func (s *Store) PendingNonCriticalTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `SELECT * FROM tasks WHERE status='pending' AND is_critical=0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending non-critical tasks: %w", err)
	}
	return tasks, nil
}

// UnassignedApprovedTasks lists claimable approved tasks, oldest first.
func (s *Store) UnassignedApprovedTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='approved' AND assigned_agent_id IS NULL
		ORDER BY updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned approved tasks: %w", err)
	}
	return tasks, nil
}

// AssignTask sets the assigned agent on a task.
func (s *Store) AssignTask(id, agentID int64) error {
	_, err := s.db.Exec(`UPDATE tasks SET assigned_agent_id=?, updated_at=? WHERE id=?`, agentID, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to assign task %d: %w", id, err)
	}
	return nil
}

// NextApprovedTaskForAgent returns the oldest dispatchable approved task
// assigned to the agent, or nil.
func (s *Store) NextApprovedTaskForAgent(agentID int64) (*Task, error) {
	var t Task
	err := s.db.Get(&t, `
		SELECT * FROM tasks
		WHERE status='approved' AND (openclaw_job_id IS NULL OR openclaw_job_id='')
		  AND assigned_agent_id=?
		ORDER BY updated_at ASC, id ASC LIMIT 1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next approved task for agent %d: %w", agentID, err)
	}
	return &t, nil
}

// AgentHasRunningTask reports whether the agent has in-flight work.
func (s *Store) AgentHasRunningTask(agentID int64) (bool, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM tasks
		WHERE assigned_agent_id=?
		  AND (openclaw_job_status IN ('queued','running') OR status IN ('active','running'))`,
		agentID)
	if err != nil {
		return false, fmt.Errorf("failed to check running tasks for agent %d: %w", agentID, err)
	}
	return count > 0, nil
}

// LatestTaskByDescriptionMarker finds the newest task whose description
// contains the given helper marker, or nil.
func (s *Store) LatestTaskByDescriptionMarker(marker string) (*Task, error) {
	var t Task
	err := s.db.Get(&t, `
		SELECT * FROM tasks WHERE description LIKE ? ORDER BY id DESC LIMIT 1`,
		"%"+marker+"%")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by marker: %w", err)
	}
	return &t, nil
}

// OpenResolveTaskExists reports whether an unfinished Resolve: helper
// for the given source task id already exists.
func (s *Store) OpenResolveTaskExists(sourceID int64) (bool, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM tasks
		WHERE title LIKE ? AND status NOT IN ('done')`,
		fmt.Sprintf("Resolve: Task #%d%%", sourceID))
	if err != nil {
		return false, fmt.Errorf("failed to check resolve task for %d: %w", sourceID, err)
	}
	return count > 0, nil
}

// DoneResolveTasks lists finished Resolve: helpers awaiting cleanup.
func (s *Store) DoneResolveTasks() ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE title LIKE 'Resolve:%' AND status='done'
		  AND description LIKE '%[resolve_blocked_task_id:%'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list done resolve tasks: %w", err)
	}
	return tasks, nil
}

// CountOpenRealTasks counts tasks that are neither finished nor blocked,
// excluding helper tasks.
func (s *Store) CountOpenRealTasks() (int, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM tasks
		WHERE status NOT IN ('done','blocked') AND `+helperTitleFilter)
	if err != nil {
		return 0, fmt.Errorf("failed to count open tasks: %w", err)
	}
	return count, nil
}

// CountOpenPlanTasks counts unfinished Plan: helpers.
func (s *Store) CountOpenPlanTasks() (int, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM tasks
		WHERE title LIKE 'Plan:%' AND status NOT IN ('done','blocked')`)
	if err != nil {
		return 0, fmt.Errorf("failed to count plan tasks: %w", err)
	}
	return count, nil
}

// DoneRealTasks lists recently finished non-helper tasks.
func (s *Store) DoneRealTasks(limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='done' AND `+helperTitleFilter+`
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list done tasks: %w", err)
	}
	return tasks, nil
}

// BlockedRealTasks lists blocked non-helper tasks.
func (s *Store) BlockedRealTasks(limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='blocked' AND `+helperTitleFilter+`
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked tasks: %w", err)
	}
	return tasks, nil
}

// CountRealTasksWithStatus counts non-helper tasks in a status.
func (s *Store) CountRealTasksWithStatus(status string) (int, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM tasks WHERE status=? AND `+helperTitleFilter, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s tasks: %w", status, err)
	}
	return count, nil
}

// DoneTasksAfter lists done tasks with ids above afterID, ascending.
func (s *Store) DoneTasksAfter(afterID int64, limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks WHERE status='done' AND id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list done tasks after %d: %w", afterID, err)
	}
	return tasks, nil
}

// RecentTasks lists the most recently updated tasks.
func (s *Store) RecentTasks(limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `SELECT * FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}
	return tasks, nil
}

// BlockedTasksNeedingResolution lists blocked non-Resolve tasks carrying
// an error, oldest first.
func (s *Store) BlockedTasksNeedingResolution(limit int) ([]Task, error) {
	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status='blocked'
		  AND title NOT LIKE 'Resolve:%'
		  AND last_error IS NOT NULL AND last_error != ''
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked tasks needing resolution: %w", err)
	}
	return tasks, nil
}

// IsHelperReviewTask reports whether the task is a review helper,
// identified by its title prefix or description marker.
func IsHelperReviewTask(t *Task) bool {
	title := strings.ToLower(strings.TrimSpace(t.Title))
	desc := strings.ToLower(t.Description)
	return strings.HasPrefix(title, "review:") || strings.Contains(desc, "[review_of_task_id:")
}

// IsHelperResolveTask reports whether the task is a resolve helper.
func IsHelperResolveTask(t *Task) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(t.Title)), "resolve:")
}

func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand IN query: %w", err)
	}
	return q, a, nil
}
