package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zeroclaw/zeroclaw/approvals"
	"github.com/zeroclaw/zeroclaw/mailer"
	"github.com/zeroclaw/zeroclaw/store"
)

// ScheduleTick requests approvals for upcoming scheduled tasks and
// dispatches approved work into the pipeline engine.
func (s *Scheduler) ScheduleTick(ctx context.Context) {
	s.requestApprovals(ctx)
	s.dispatchApproved(ctx)
}

// requestApprovals creates a pending decision and emails the approver
// for every approval-gated task that needs one: scheduled tasks once
// their lead window opens, unscheduled (critical) tasks immediately.
func (s *Scheduler) requestApprovals(ctx context.Context) {
	if s.approvals == nil {
		return
	}
	upcoming, err := s.store.PendingApprovalTasks()
	if err != nil {
		s.logger.Error("Failed to list pending approval tasks", slog.String("error", err.Error()))
		return
	}
	if len(upcoming) == 0 {
		return
	}

	deadline := store.FormatTime(s.now().Add(s.intervals.ApprovalLead))
	for i := range upcoming {
		t := &upcoming[i]
		if t.ScheduleType != store.ScheduleNone {
			if t.NextRunAt == nil || *t.NextRunAt > deadline {
				continue
			}
		}
		exists, err := s.store.PendingDecisionExists("task", t.ID, approvals.ActionStartTask)
		if err != nil {
			s.logger.Error("Failed to check pending decision",
				slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if exists {
			continue
		}
		if s.approverEmail == "" || s.mailer == nil {
			s.logTask("approval_skipped", t.ID, "no approver email configured")
			continue
		}

		decisionID, token, err := s.approvals.Create("task", t.ID, approvals.ActionStartTask, "scheduler")
		if err != nil {
			s.logger.Error("Failed to create decision",
				slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}

		approveURL := fmt.Sprintf("%s/approve?decision_id=%s&token=%s", s.publicBaseURL, decisionID, token)
		rejectURL := fmt.Sprintf("%s/reject?decision_id=%s&token=%s", s.publicBaseURL, decisionID, token)
		subject, body := mailer.ComposeApproval(t, decisionID, approveURL, rejectURL, s.publicBaseURL)
		if err := s.mailer.Send(ctx, s.approverEmail, subject, body); err != nil {
			s.logger.Error("Failed to send approval email",
				slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		s.logTask("approval_requested", t.ID, "decision_id="+decisionID)
	}
}

// dispatchApproved starts the pipeline for approved tasks whose time
// has come. Unscheduled approved tasks start immediately.
func (s *Scheduler) dispatchApproved(ctx context.Context) {
	tasks, err := s.store.ApprovedDispatchableTasks()
	if err != nil {
		s.logger.Error("Failed to list dispatchable tasks", slog.String("error", err.Error()))
		return
	}

	now := store.FormatTime(s.now())
	for i := range tasks {
		t := &tasks[i]
		if t.ScheduleType != store.ScheduleNone && t.NextRunAt != nil && *t.NextRunAt > now {
			continue
		}
		if t.AssignedAgentID == nil {
			if err := s.store.SetTaskError(t.ID, "no_assigned_agent"); err != nil {
				s.logger.Error("Failed to record missing agent",
					slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
				continue
			}
			s.logTask("dispatch_skipped", t.ID, "no_assigned_agent")
			continue
		}
		if err := s.store.UpdateTaskStatus(t.ID, store.StatusActive); err != nil {
			s.logger.Error("Failed to activate task",
				slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		s.logTask("pipeline_dispatched", t.ID, "")
		s.runPipeline(ctx, t.ID, false)
	}
}

func (s *Scheduler) logTask(action string, taskID int64, detail string) {
	id := fmt.Sprintf("%d", taskID)
	_ = s.store.AppendActionLog(&store.ActionLogEntry{
		Action:     action,
		EntityType: "task",
		EntityID:   &id,
		Detail:     detail,
	})
}
