package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreatePipeline inserts a pipeline and returns its id.
func (s *Store) CreatePipeline(p *Pipeline) (int64, error) {
	now := NowString()
	res, err := s.db.Exec(`
		INSERT INTO pipelines(name, description, task_type, blocks_json, is_active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		p.Name, p.Description, p.TaskType, p.BlocksJSON, p.IsActive, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pipeline: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read pipeline id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return id, nil
}

// GetPipeline returns the pipeline with the given id, or nil if absent.
func (s *Store) GetPipeline(id int64) (*Pipeline, error) {
	var p Pipeline
	err := s.db.Get(&p, `SELECT * FROM pipelines WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %d: %w", id, err)
	}
	return &p, nil
}

// ListActivePipelines lists active pipelines.
func (s *Store) ListActivePipelines() ([]Pipeline, error) {
	var pipelines []Pipeline
	if err := s.db.Select(&pipelines, `SELECT * FROM pipelines WHERE is_active=1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return pipelines, nil
}

// CountPipelines returns the total number of pipelines.
func (s *Store) CountPipelines() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM pipelines`); err != nil {
		return 0, fmt.Errorf("failed to count pipelines: %w", err)
	}
	return count, nil
}

// PipelineForTask resolves the pipeline a task should run through.
//
// Tasks carry no explicit type column. Resolution order: the assigned
// agent's pipeline reference; then the active pipeline whose task_type
// keyword appears in the agent's role (or vice versa); then the active
// pipeline tagged 'default'; then any active pipeline.
func (s *Store) PipelineForTask(task *Task, agent *Agent) (*Pipeline, error) {
	if agent != nil && agent.PipelineID != nil {
		p, err := s.GetPipeline(*agent.PipelineID)
		if err != nil {
			return nil, err
		}
		if p != nil && p.IsActive {
			return p, nil
		}
	}

	pipelines, err := s.ListActivePipelines()
	if err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return nil, nil
	}

	if agent != nil {
		role := strings.ToLower(agent.Role)
		for i := range pipelines {
			if pipelines[i].TaskType == nil {
				continue
			}
			tt := strings.ToLower(strings.TrimSpace(*pipelines[i].TaskType))
			if tt == "" || tt == "default" {
				continue
			}
			if strings.Contains(role, tt) || strings.Contains(tt, role) {
				return &pipelines[i], nil
			}
		}
	}

	for i := range pipelines {
		if pipelines[i].TaskType != nil && strings.EqualFold(strings.TrimSpace(*pipelines[i].TaskType), "default") {
			return &pipelines[i], nil
		}
	}
	return &pipelines[0], nil
}
