package store

import "fmt"

// AppendActionLog writes one audit-trail row. Failures are returned but
// callers generally treat logging as best effort.
func (s *Store) AppendActionLog(e *ActionLogEntry) error {
	if e.TS == "" {
		e.TS = NowString()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	_, err := s.db.Exec(`
		INSERT INTO action_logs(ts, actor, action, entity_type, entity_id, detail, layer, model)
		VALUES(?,?,?,?,?,?,?,?)`,
		e.TS, e.Actor, e.Action, e.EntityType, e.EntityID, e.Detail, e.Layer, e.Model)
	if err != nil {
		return fmt.Errorf("failed to append action log: %w", err)
	}
	return nil
}

// RecentActionLogs lists the newest audit rows.
func (s *Store) RecentActionLogs(limit int) ([]ActionLogEntry, error) {
	var logs []ActionLogEntry
	if err := s.db.Select(&logs, `SELECT * FROM action_logs ORDER BY ts DESC, id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list action logs: %w", err)
	}
	return logs, nil
}

// AppendExecutorLog writes one per-block pipeline record.
func (s *Store) AppendExecutorLog(e *ExecutorLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO executor_log(task_id, pipeline_id, block_index, block_type, model,
		                         executor, started_at, duration_seconds, success,
		                         pass_fail, review_notes, output_preview, failure_type, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.TaskID, e.PipelineID, e.BlockIndex, e.BlockType, e.Model,
		e.Executor, e.StartedAt, e.DurationSeconds, e.Success,
		e.PassFail, e.ReviewNotes, e.OutputPreview, e.FailureType, e.Error)
	if err != nil {
		return fmt.Errorf("failed to append executor log: %w", err)
	}
	return nil
}

// ExecutorLogsForTask lists a task's block records in execution order.
func (s *Store) ExecutorLogsForTask(taskID int64) ([]ExecutorLogEntry, error) {
	var logs []ExecutorLogEntry
	err := s.db.Select(&logs, `SELECT * FROM executor_log WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executor logs for task %d: %w", taskID, err)
	}
	return logs, nil
}

// CreateCritique inserts a critique.
func (s *Store) CreateCritique(c *Critique) (int64, error) {
	if c.CreatedAt == "" {
		c.CreatedAt = NowString()
	}
	if c.Severity == "" {
		c.Severity = "medium"
	}
	res, err := s.db.Exec(`
		INSERT INTO critiques(task_id, title, body, severity, created_at) VALUES(?,?,?,?,?)`,
		c.TaskID, c.Title, c.Body, c.Severity, c.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert critique: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read critique id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListCritiques lists the newest critiques.
func (s *Store) ListCritiques(limit int) ([]Critique, error) {
	var critiques []Critique
	if err := s.db.Select(&critiques, `SELECT * FROM critiques ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list critiques: %w", err)
	}
	return critiques, nil
}
