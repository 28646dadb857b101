package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateAgent inserts an agent and returns its id.
func (s *Store) CreateAgent(a *Agent) (int64, error) {
	now := NowString()
	if a.Role == "" {
		a.Role = "general"
	}
	res, err := s.db.Exec(`
		INSERT INTO agents(name, role, model, pipeline_id, is_active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		a.Name, a.Role, a.Model, a.PipelineID, a.IsActive, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read agent id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return id, nil
}

// GetAgent returns the agent with the given id, or nil if absent.
func (s *Store) GetAgent(id int64) (*Agent, error) {
	var a Agent
	err := s.db.Get(&a, `SELECT * FROM agents WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %d: %w", id, err)
	}
	return &a, nil
}

// ListActiveAgents lists active agents ordered by id.
func (s *Store) ListActiveAgents() ([]Agent, error) {
	var agents []Agent
	if err := s.db.Select(&agents, `SELECT * FROM agents WHERE is_active=1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	return agents, nil
}

// CountAgents returns the total number of agents.
func (s *Store) CountAgents() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM agents`); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}

// FindReviewerAgent returns the first active agent whose name or role
// suggests reviewing, falling back to the lowest-id active agent.
func (s *Store) FindReviewerAgent() (*Agent, error) {
	var a Agent
	err := s.db.Get(&a, `
		SELECT * FROM agents
		WHERE is_active=1
		  AND (lower(name) LIKE '%critic%' OR lower(role) LIKE '%critic%' OR lower(role) LIKE '%review%')
		ORDER BY id ASC LIMIT 1`)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to find reviewer agent: %w", err)
	}

	err = s.db.Get(&a, `SELECT * FROM agents WHERE is_active=1 ORDER BY id ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find fallback agent: %w", err)
	}
	return &a, nil
}

// FindArchitectAgent returns the first active agent with an architecture
// role, or nil if none exists.
func (s *Store) FindArchitectAgent() (*Agent, error) {
	var a Agent
	err := s.db.Get(&a, `
		SELECT * FROM agents
		WHERE is_active=1 AND lower(role) LIKE '%archit%'
		ORDER BY id ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find architect agent: %w", err)
	}
	return &a, nil
}

// MarkAgentRunning records the agent's last observed run state in the
// agent_runtime table.
func (s *Store) MarkAgentRunning(agentID int64, running bool) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_runtime(agent_id, was_running, updated_at) VALUES(?,?,?)
		ON CONFLICT(agent_id) DO UPDATE SET was_running=excluded.was_running, updated_at=excluded.updated_at`,
		agentID, running, NowString())
	if err != nil {
		return fmt.Errorf("failed to mark agent %d runtime: %w", agentID, err)
	}
	return nil
}

// AgentWasRunning returns the agent's last recorded run state.
func (s *Store) AgentWasRunning(agentID int64) (bool, error) {
	var running bool
	err := s.db.Get(&running, `SELECT was_running FROM agent_runtime WHERE agent_id=?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read agent %d runtime: %w", agentID, err)
	}
	return running, nil
}
