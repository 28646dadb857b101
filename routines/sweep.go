package routines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/store"
)

// tickIdleAutostart is the full board sweep: reset stale work, advance
// completed work, retry failures within budget, clean leftovers,
// auto-approve, claim, and dispatch to idle agents.
func (r *Runner) tickIdleAutostart(ctx context.Context, routine *store.Routine) error {
	var agentIDs []int64
	if routine.AgentID != nil {
		agentIDs = []int64{*routine.AgentID}
	} else {
		agents, err := r.store.ListActiveAgents()
		if err != nil {
			return err
		}
		for _, a := range agents {
			agentIDs = append(agentIDs, a.ID)
		}
	}

	// Step 0: reset tasks whose remote job has been "running" too long.
	cutoff := store.FormatTime(r.now().Add(-staleAfter))
	stale, err := r.store.StaleRunningTasks(cutoff)
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := r.store.ResetTaskStale(t.ID); err != nil {
			return err
		}
		r.logTask("stale_job_reset", t.ID, fmt.Sprintf("Task %q was running >%s, reset to approved", t.Title, staleAfter))
	}

	// Step 1: completed remote jobs advance to dev_done.
	completed, err := r.store.CompletedActiveTasks()
	if err != nil {
		return err
	}
	for _, t := range completed {
		if err := r.store.UpdateTaskStatus(t.ID, store.StatusDevDone); err != nil {
			return err
		}
		r.logTask("workflow_advance", t.ID, "active→dev_done (job completed)")
	}

	// Step 2: retry failures within the budget.
	retryable, err := r.store.RetryableFailedTasks(maxRetries)
	if err != nil {
		return err
	}
	for _, t := range retryable {
		if err := r.store.ResetTaskForRetry(t.ID, t.RetryCount+1); err != nil {
			return err
		}
		r.logTask("workflow_retry", t.ID, fmt.Sprintf("%s→approved retry %d/%d", t.Status, t.RetryCount+1, maxRetries))
	}

	exhausted, err := r.store.ExhaustedFailedTasks(maxRetries)
	if err != nil {
		return err
	}
	for _, t := range exhausted {
		if err := r.store.SetTaskError(t.ID, "max_retries_exceeded"); err != nil {
			return err
		}
		if err := r.store.UpdateTaskStatus(t.ID, store.StatusBlocked); err != nil {
			return err
		}
		r.logTask("workflow_max_retries", t.ID, fmt.Sprintf("exceeded %d retries, permanently blocked", maxRetries))
	}

	// Step 2b: pending/approved tasks must not carry job leftovers.
	leftovers, err := r.store.TasksWithStaleJobFields()
	if err != nil {
		return err
	}
	for _, t := range leftovers {
		if err := r.store.ClearTaskJobFields(t.ID); err != nil {
			return err
		}
		r.logTask("workflow_cleanup", t.ID, "cleared stale job fields")
	}

	// Step 3: auto-approve non-critical pending tasks.
	pending, err := r.store.PendingNonCriticalTasks()
	if err != nil {
		return err
	}
	for _, t := range pending {
		if err := r.store.UpdateTaskStatus(t.ID, store.StatusApproved); err != nil {
			return err
		}
		r.logTask("workflow_auto_approve", t.ID, "pending→approved (non-critical)")
	}

	// Step 4: claim unassigned approved tasks for idle agents.
	if routine.ClaimUnassigned {
		unassigned, err := r.store.UnassignedApprovedTasks()
		if err != nil {
			return err
		}
		for _, t := range unassigned {
			for _, aid := range agentIDs {
				busy, err := r.store.AgentHasRunningTask(aid)
				if err != nil {
					return err
				}
				if busy {
					continue
				}
				if err := r.store.AssignTask(t.ID, aid); err != nil {
					return err
				}
				r.logTask("workflow_claim", t.ID, fmt.Sprintf("assigned to agent %d", aid))
				break
			}
		}
	}

	// Step 5: each idle agent gets its oldest approved task.
	for _, aid := range agentIDs {
		busy, err := r.store.AgentHasRunningTask(aid)
		if err != nil {
			return err
		}
		if was, err := r.store.AgentWasRunning(aid); err == nil && was != busy {
			_ = r.store.MarkAgentRunning(aid, busy)
			if !busy {
				r.logger.Debug("Agent went idle", slog.Int64("agent_id", aid))
			}
		}
		if busy {
			continue
		}
		task, err := r.store.NextApprovedTaskForAgent(aid)
		if err != nil {
			return err
		}
		if task == nil {
			continue
		}
		r.dispatchTask(ctx, task)
	}
	return nil
}

// dispatchTask hands one approved task to the remote gateway. Errors
// land in the task's last_error instead of failing the sweep.
func (r *Runner) dispatchTask(ctx context.Context, task *store.Task) {
	if task.AssignedAgentID == nil {
		_ = r.store.SetTaskError(task.ID, "missing_assigned_agent")
		r.logTask("openclaw_dispatch_skipped", task.ID, "missing_assigned_agent")
		return
	}
	agent, err := r.store.GetAgent(*task.AssignedAgentID)
	if err != nil || agent == nil {
		_ = r.store.SetTaskError(task.ID, "agent_not_found")
		r.logTask("openclaw_dispatch_skipped", task.ID, "agent_not_found")
		return
	}

	jobID, err := r.gateway.Dispatch(ctx,
		gateway.TaskRef{Title: task.Title, Description: task.Description},
		gateway.AgentRef{ID: agent.ID, Name: agent.Name, Role: agent.Role, Model: agent.Model},
		task.ID, task.IsCritical)
	if err != nil {
		_ = r.store.SetTaskError(task.ID, err.Error())
		r.logTask("openclaw_dispatch_error", task.ID, err.Error())
		return
	}

	if err := r.store.MarkTaskDispatched(task.ID, jobID); err != nil {
		r.logger.Error("Failed to mark task dispatched",
			slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	r.logTask("openclaw_dispatched", task.ID, fmt.Sprintf("job_id=%s agent_id=%d", jobID, agent.ID))
}

func (r *Runner) logTask(action string, taskID int64, detail string) {
	id := fmt.Sprintf("%d", taskID)
	_ = r.store.AppendActionLog(&store.ActionLogEntry{
		Action:     action,
		EntityType: "task",
		EntityID:   &id,
		Detail:     detail,
	})
}
