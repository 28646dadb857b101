package routines

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zeroclaw/zeroclaw/store"
)

var agentScopeRe = regexp.MustCompile(`agent[\s#]*(\d+)`)

// PromptSpec is the structured interpretation of a free-text routine
// description.
type PromptSpec struct {
	Kind            string
	AgentID         *int64
	ClaimUnassigned bool
}

var kindKeywords = []struct {
	kind     string
	keywords []string
}{
	{store.RoutinePlanningNextPhase, []string{
		"plan", "next phase", "next development", "all done", "all complete",
		"new set of tasks", "next sprint",
	}},
	{store.RoutineBlockedResolution, []string{
		"blocked", "resolve", "unblock", "diagnose", "fix block",
	}},
	{store.RoutineReviewAutocreate, []string{
		"review", "critique", "feedback", "inspect", "dev done", "dev_done",
	}},
	{store.RoutineStatusReportEmail, []string{
		"email", "report", "summary", "notify", "status report",
	}},
}

var claimKeywords = []string{"claim", "unassigned", "assign idle", "pick up", "grab"}

// ParsePrompt maps a natural-language routine description onto one of
// the known routine kinds, with an optional agent scope. Unmatched
// prompts default to the idle-autostart sweep.
func ParsePrompt(prompt string) PromptSpec {
	lowered := strings.ToLower(prompt)

	spec := PromptSpec{Kind: store.RoutineIdleAutostart}
	for _, entry := range kindKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				spec.Kind = entry.kind
				break
			}
		}
		if spec.Kind != store.RoutineIdleAutostart {
			break
		}
	}

	for _, kw := range claimKeywords {
		if strings.Contains(lowered, kw) {
			spec.ClaimUnassigned = true
			break
		}
	}

	if m := agentScopeRe.FindStringSubmatch(lowered); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil && id > 0 {
			spec.AgentID = &id
		}
	}
	return spec
}

// CreateFromPrompt creates a routine whose kind, agent scope, and
// claim behavior are derived from a free-text description. The prompt
// is kept as the routine's description.
func CreateFromPrompt(s *store.Store, name, prompt string, enabled bool) (*store.Routine, error) {
	spec := ParsePrompt(prompt)
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = prompt
	}
	routine := &store.Routine{
		ID:              id,
		Name:            name,
		Kind:            spec.Kind,
		IsEnabled:       enabled,
		AgentID:         spec.AgentID,
		ClaimUnassigned: spec.ClaimUnassigned,
		Description:     &prompt,
	}
	if err := s.CreateRoutine(routine); err != nil {
		return nil, err
	}
	return routine, nil
}
