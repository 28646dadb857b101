package routines

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeroclaw/zeroclaw/store"
)

var (
	reviewMarkerRe  = regexp.MustCompile(`\[review_of_task_id:(\d+)\]`)
	resolveMarkerRe = regexp.MustCompile(`\[resolve_blocked_task_id:(\d+)\]`)
)

// ReviewMarker builds the description tag linking a review helper to
// its source task.
func ReviewMarker(sourceID int64) string {
	return fmt.Sprintf("[review_of_task_id:%d]", sourceID)
}

// ResolveMarker builds the description tag linking a resolve helper to
// its source task.
func ResolveMarker(sourceID int64) string {
	return fmt.Sprintf("[resolve_blocked_task_id:%d]", sourceID)
}

// ReviewSourceID extracts the source task id from a review helper's
// description.
func ReviewSourceID(description string) (int64, bool) {
	return markerID(reviewMarkerRe, description)
}

// ResolveSourceID extracts the source task id from a resolve helper's
// description.
func ResolveSourceID(description string) (int64, bool) {
	return markerID(resolveMarkerRe, description)
}

func markerID(re *regexp.Regexp, description string) (int64, bool) {
	m := re.FindStringSubmatch(description)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// reviewBatchLimit bounds how many dev_done tasks one tick examines.
const reviewBatchLimit = 50

// tickReviewAutocreate ensures every task sitting in dev_done or
// review has a companion review helper. Review helpers never generate
// further reviews.
func (r *Runner) tickReviewAutocreate(routine *store.Routine) error {
	reviewer, err := r.chooseReviewer(routine.AgentID)
	if err != nil {
		return err
	}

	tasks, err := r.store.TasksByStatus(store.StatusDevDone, store.StatusReview)
	if err != nil {
		return err
	}
	if len(tasks) > reviewBatchLimit {
		tasks = tasks[:reviewBatchLimit]
	}

	for i := range tasks {
		if err := r.ensureReviewTask(&tasks[i], reviewer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) chooseReviewer(preferred *int64) (*store.Agent, error) {
	if preferred != nil {
		return r.store.GetAgent(*preferred)
	}
	return r.store.FindReviewerAgent()
}

func (r *Runner) ensureReviewTask(src *store.Task, reviewer *store.Agent) error {
	marker := ReviewMarker(src.ID)

	// A helper reviewing a helper would loop forever.
	if strings.Contains(src.Description, "[review_of_task_id:") {
		return nil
	}

	existing, err := r.store.LatestTaskByDescriptionMarker(marker)
	if err != nil {
		return err
	}
	if existing != nil {
		jobFailed := existing.JobStatus != nil && *existing.JobStatus == gatewayFailed
		if !(existing.Status == store.StatusDone && jobFailed) {
			return nil
		}
	}

	var reviewerID *int64
	if reviewer != nil {
		reviewerID = &reviewer.ID
	}

	title := fmt.Sprintf("Review: Task #%d — %s", src.ID, src.Title)
	desc := fmt.Sprintf("%s\n\n"+
		"You are a reviewer. Review the deliverable for Task #%d.\n"+
		"Produce: (1) summary, (2) issues/risks, (3) concrete fixes/next tasks, (4) PASS/FAIL recommendation.\n\n"+
		"## Source Task Title\n%s\n\n"+
		"## Source Task Description\n%s\n\n"+
		"## Source Task Last Result\n%s\n",
		marker, src.ID, src.Title, strings.TrimSpace(src.Description), strings.TrimSpace(src.LastResult))

	id, err := r.store.CreateTask(&store.Task{
		Title:           title,
		Description:     desc,
		Status:          store.StatusApproved,
		AssignedAgentID: reviewerID,
	})
	if err != nil {
		return err
	}
	r.logTask("review_task_created", id, fmt.Sprintf("source_task_id=%d", src.ID))
	return nil
}

const gatewayFailed = "failed"

// tickBlockedResolution creates architect helper tasks for blocked
// work and applies finished resolutions back to their source tasks.
func (r *Runner) tickBlockedResolution(routine *store.Routine) error {
	architect, err := r.findArchitect()
	if err != nil {
		return err
	}
	if architect == nil {
		return nil
	}

	// Apply completed resolutions first so a revived source does not
	// immediately get a second helper.
	resolved, err := r.store.DoneResolveTasks()
	if err != nil {
		return err
	}
	for i := range resolved {
		rt := &resolved[i]
		srcID, ok := ResolveSourceID(rt.Description)
		if !ok {
			continue
		}
		src, err := r.store.GetTask(srcID)
		if err != nil {
			return err
		}
		if src != nil && src.Status == store.StatusBlocked {
			if err := r.store.UnblockTask(srcID, rt.LastResult); err != nil {
				return err
			}
			r.logTask("blocked_task_unblocked", srcID, fmt.Sprintf("unblocked_via_resolution_task=%d", rt.ID))
		}
		if err := r.store.DeleteTask(rt.ID); err != nil {
			return err
		}
		r.logTask("resolution_task_deleted", rt.ID, fmt.Sprintf("resolution_applied_to_task=%d", srcID))
	}

	blocked, err := r.store.BlockedTasksNeedingResolution(1)
	if err != nil {
		return err
	}
	for i := range blocked {
		bt := &blocked[i]
		exists, err := r.store.OpenResolveTaskExists(bt.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := r.createResolveTask(bt, architect); err != nil {
			return err
		}
	}
	return nil
}

// findArchitect prefers the role match, falling back to the second
// seeded agent slot.
func (r *Runner) findArchitect() (*store.Agent, error) {
	architect, err := r.store.FindArchitectAgent()
	if err != nil {
		return nil, err
	}
	if architect != nil {
		return architect, nil
	}
	a, err := r.store.GetAgent(2)
	if err != nil {
		return nil, err
	}
	if a != nil && a.IsActive {
		return a, nil
	}
	return nil, nil
}

func (r *Runner) createResolveTask(blocked *store.Task, architect *store.Agent) error {
	lastError := "unknown"
	if blocked.LastError != nil && *blocked.LastError != "" {
		lastError = *blocked.LastError
	}
	lastResult := blocked.LastResult
	if lastResult == "" {
		lastResult = "none"
	}

	title := fmt.Sprintf("Resolve: Task #%d — %s", blocked.ID, blocked.Title)
	desc := strings.Join([]string{
		ResolveMarker(blocked.ID),
		"",
		"You are the architect. A task is blocked and needs your analysis.",
		"Analyze the error, propose a fix or workaround, and provide updated instructions.",
		"",
		"## Blocked Task",
		fmt.Sprintf("**Title:** %s", blocked.Title),
		fmt.Sprintf("**Description:** %s", strings.TrimSpace(blocked.Description)),
		"",
		"## Error Details",
		lastError,
		"",
		"## Last Result",
		lastResult,
		"",
		"## Your Task",
		"1. Diagnose the root cause of the block/failure",
		"2. Propose specific fixes or workarounds",
		"3. Provide updated task instructions that would prevent this error",
		"4. If the task should be abandoned, explain why",
	}, "\n")

	id, err := r.store.CreateTask(&store.Task{
		Title:           title,
		Description:     desc,
		Status:          store.StatusApproved,
		AssignedAgentID: &architect.ID,
	})
	if err != nil {
		return err
	}
	r.logTask("blocked_resolution_created", blocked.ID, fmt.Sprintf("resolution_task=%d architect=%d", id, architect.ID))
	return nil
}

// tickPlanningNextPhase creates an architect planning task once every
// real task has reached done or blocked and no plan is outstanding.
func (r *Runner) tickPlanningNextPhase(routine *store.Routine) error {
	open, err := r.store.CountOpenRealTasks()
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	plans, err := r.store.CountOpenPlanTasks()
	if err != nil {
		return err
	}
	if plans > 0 {
		return nil
	}

	architect, err := r.findArchitect()
	if err != nil {
		return err
	}

	done, err := r.store.DoneRealTasks(20)
	if err != nil {
		return err
	}
	blocked, err := r.store.BlockedRealTasks(10)
	if err != nil {
		return err
	}
	totalDone, err := r.store.CountRealTasksWithStatus(store.StatusDone)
	if err != nil {
		return err
	}
	totalBlocked, err := r.store.CountRealTasksWithStatus(store.StatusBlocked)
	if err != nil {
		return err
	}

	doneSummary := "(none)"
	if len(done) > 0 {
		var lines []string
		for _, t := range done {
			line := fmt.Sprintf("- [DONE] #%d: %s", t.ID, t.Title)
			if t.ReviewSummary != nil && *t.ReviewSummary != "" {
				summary := *t.ReviewSummary
				if len(summary) > 200 {
					summary = summary[:200]
				}
				line += fmt.Sprintf(" (Review: %s...)", summary)
			}
			lines = append(lines, line)
		}
		doneSummary = strings.Join(lines, "\n")
	}

	blockedSummary := "(none)"
	if len(blocked) > 0 {
		var lines []string
		for _, t := range blocked {
			lastError := ""
			if t.LastError != nil {
				lastError = *t.LastError
			}
			lines = append(lines, fmt.Sprintf("- [BLOCKED] #%d: %s — Error: %s", t.ID, t.Title, lastError))
		}
		blockedSummary = strings.Join(lines, "\n")
	}

	desc := fmt.Sprintf(`All current tasks have reached completion or are blocked. Plan the next development phase.

COMPLETED TASKS (%d):
%s

BLOCKED TASKS (%d):
%s

INSTRUCTIONS:
Based on the completed work, blocked items, the project roadmap, and milestones:
1. Identify what blockers need to be resolved
2. Determine the next logical development tasks
3. Create a prioritized list of 3-8 new tasks with clear titles and descriptions
4. Consider dependencies between tasks
5. Output the task list as JSON: {"tasks": [{"title": "...", "description": "...", "is_critical": 0, "suggested_agent": "architect|programmer|reviewer|reporter"}]}

[planning_phase_task]`, totalDone, doneSummary, totalBlocked, blockedSummary)

	var architectID *int64
	if architect != nil {
		architectID = &architect.ID
	}
	id, err := r.store.CreateTask(&store.Task{
		Title:           "Plan: Next Development Phase",
		Description:     desc,
		Status:          store.StatusPending,
		IsCritical:      true,
		AssignedAgentID: architectID,
	})
	if err != nil {
		return err
	}
	r.logTask("planning_task_created", id, fmt.Sprintf("done=%d blocked=%d", totalDone, totalBlocked))
	return nil
}
