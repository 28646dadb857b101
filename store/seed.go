package store

import (
	"fmt"
	"log/slog"
)

// defaultPipelineBlocks is the out-of-the-box pipeline: cheap first
// attempt, reviewer gate, one retry with notes, premium-CLI escalation.
const defaultPipelineBlocks = `[
  {"type":"route","config":{"label":"Programming Task","condition":"task.type == 'programming'"}},
  {"type":"executor","config":{"model":"moonshotai/kimi-m2.5","executor":"OpenRouter","label":"Kimi — First Attempt"}},
  {"type":"review","config":{"model":"anthropic/claude-opus-4.6","executor":"OpenRouter","label":"Opus Reviews Output","pass_action":"skip_to_done"}},
  {"type":"retry","config":{"model":"moonshotai/kimi-m2.5","executor":"OpenRouter","label":"Kimi — Retry w/ Notes","max_retries":1,"include_review_notes":true}},
  {"type":"review","config":{"model":"anthropic/claude-opus-4.6","executor":"OpenRouter","label":"Opus Reviews Again","pass_action":"skip_to_done"}},
  {"type":"escalate","config":{"model":"claude-cli","executor":"Claude CLI","label":"Claude Takes Over","on_limit":"stop"}},
  {"type":"done","config":{"label":"Task Complete"}}
]`

// defaultAgents are installed on first run.
var defaultAgents = []struct {
	Name string
	Role string
}{
	{"Programmer", "programming"},
	{"Architect", "architecture"},
	{"Reviewer", "reviewing"},
	{"Reporter", "reporting"},
}

// Seed installs the default pipeline, default agents, and the health
// singleton when the respective tables are empty. Safe to call on every
// startup.
func (s *Store) Seed() error {
	pipelineCount, err := s.CountPipelines()
	if err != nil {
		return err
	}
	if pipelineCount == 0 {
		desc := "Kimi first attempt → Opus review → Kimi retry → Opus re-review → Claude CLI escalation"
		taskType := "default"
		p := &Pipeline{
			Name:        "Default Pipeline",
			Description: &desc,
			TaskType:    &taskType,
			BlocksJSON:  defaultPipelineBlocks,
			IsActive:    true,
		}
		if _, err := s.CreatePipeline(p); err != nil {
			return fmt.Errorf("failed to seed default pipeline: %w", err)
		}
		s.logger.Info("Seeded default pipeline", slog.Int64("pipeline_id", p.ID))
	}

	agentCount, err := s.CountAgents()
	if err != nil {
		return err
	}
	if agentCount == 0 {
		for _, da := range defaultAgents {
			a := &Agent{
				Name:     da.Name,
				Role:     da.Role,
				Model:    "openai/gpt-5.2",
				IsActive: true,
			}
			if _, err := s.CreateAgent(a); err != nil {
				return fmt.Errorf("failed to seed agent %s: %w", da.Name, err)
			}
		}
		s.logger.Info("Seeded default agents", slog.Int("count", len(defaultAgents)))
		_ = s.AppendActionLog(&ActionLogEntry{
			Action:     "agent_seed",
			EntityType: "system",
			Detail:     fmt.Sprintf("Seeded %d agents", len(defaultAgents)),
		})
	}

	// Ensure the health singleton exists.
	if _, err := s.GetHealth(); err != nil {
		return err
	}

	return nil
}
