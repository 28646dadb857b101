package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/pipeline"
	"github.com/zeroclaw/zeroclaw/routines"
	"github.com/zeroclaw/zeroclaw/store"
)

// PollTick reconciles every outstanding external job with the gateway:
// ordinary tasks advance through the lifecycle, review and resolve
// helpers feed their outcome back into their source task, and recurring
// tasks get rescheduled once their run finishes.
func (s *Scheduler) PollTick(ctx context.Context) {
	if s.gateway == nil || !s.gateway.Configured() {
		return
	}
	tasks, err := s.store.TasksWithOutstandingJobs()
	if err != nil {
		s.logger.Error("Failed to list outstanding jobs", slog.String("error", err.Error()))
		return
	}

	for i := range tasks {
		t := &tasks[i]
		status, err := s.gateway.Status(ctx, *t.JobID)
		if err != nil {
			_ = s.store.SetTaskError(t.ID, err.Error())
			s.logTask("openclaw_status_error", t.ID, err.Error())
			continue
		}
		s.logPolled(t, status)

		switch {
		case store.IsHelperReviewTask(t):
			err = s.handleReviewHelper(t, status)
		case isResolveHelper(t):
			err = s.handleResolveHelper(t, status)
		default:
			err = s.handleOrdinary(t, status)
		}
		if err != nil {
			s.logger.Error("Failed to apply job status",
				slog.Int64("task_id", t.ID),
				slog.String("state", status.State),
				slog.String("error", err.Error()))
		}
	}
}

func isResolveHelper(t *store.Task) bool {
	if !strings.HasPrefix(strings.TrimSpace(t.Title), "Resolve:") {
		return false
	}
	_, ok := routines.ResolveSourceID(t.Description)
	return ok
}

// handleOrdinary advances a regular task per the observed job state.
func (s *Scheduler) handleOrdinary(t *store.Task, js *gateway.JobStatus) error {
	switch js.State {
	case gateway.StateQueued:
		return s.store.UpdateTaskJobState(t.ID, store.StatusActive, js.State, js.Payload, js.Result)
	case gateway.StateRunning:
		return s.store.UpdateTaskJobState(t.ID, store.StatusRunning, js.State, js.Payload, js.Result)
	case gateway.StateCompleted:
		if err := s.store.UpdateTaskJobState(t.ID, store.StatusDevDone, js.State, js.Payload, js.Result); err != nil {
			return err
		}
		if err := s.store.ClearTaskJob(t.ID); err != nil {
			return err
		}
		s.logTask("workflow_advance", t.ID, "job completed, awaiting review")
		return s.rescheduleIfRecurring(t)
	case gateway.StateFailed:
		if err := s.store.UpdateTaskJobState(t.ID, store.StatusBlocked, js.State, js.Payload, js.Result); err != nil {
			return err
		}
		if err := s.store.SetTaskError(t.ID, "openclaw_job_failed"); err != nil {
			return err
		}
		if err := s.store.ClearTaskJob(t.ID); err != nil {
			return err
		}
		return s.rescheduleIfRecurring(t)
	default:
		// Unknown state: record the payload, keep polling.
		return s.store.UpdateTaskJobState(t.ID, t.Status, js.State, js.Payload, js.Result)
	}
}

// handleReviewHelper carries a finished review back onto the reviewed
// task: PASS completes it, FAIL sends it back for another attempt.
func (s *Scheduler) handleReviewHelper(helper *store.Task, js *gateway.JobStatus) error {
	srcID, hasSrc := routines.ReviewSourceID(helper.Description)

	switch js.State {
	case gateway.StateFailed:
		if hasSrc && js.Result != "" {
			if err := s.store.SetReviewSummary(srcID, js.Result); err != nil {
				return err
			}
		}
		if err := s.store.ClearTaskJobFields(helper.ID); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(helper.ID, store.StatusApproved); err != nil {
			return err
		}
		if err := s.store.SetTaskError(helper.ID, "review_job_failed"); err != nil {
			return err
		}
		s.logTask("review_job_failed", helper.ID, "review helper requeued")
		return nil

	case gateway.StateCompleted:
		verdict := pipeline.ParseVerdict(js.Result)
		pass := verdict == pipeline.VerdictPass

		if hasSrc {
			src, err := s.store.GetTask(srcID)
			if err != nil {
				return err
			}
			if src != nil {
				if js.Result != "" {
					if err := s.store.SetReviewSummary(srcID, js.Result); err != nil {
						return err
					}
				}
				if pass {
					if src.Status == store.StatusDevDone || src.Status == store.StatusReview {
						if err := s.store.UpdateTaskStatus(srcID, store.StatusDone); err != nil {
							return err
						}
						s.logTask("review_passed", srcID, "review verdict PASS")
					}
				} else {
					if err := s.store.ResetTaskForRetry(srcID, 0); err != nil {
						return err
					}
					s.logTask("review_failed", srcID, "review verdict FAIL, returned for rework")
				}
			}
		}

		if err := s.store.ClearTaskJob(helper.ID); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(helper.ID, store.StatusDone); err != nil {
			return err
		}
		if pass {
			// A passed review leaves no trace; the summary lives on the
			// source task.
			return s.store.DeleteTask(helper.ID)
		}
		return nil

	default:
		return s.store.UpdateTaskJobState(helper.ID, statusForState(js.State, helper.Status), js.State, js.Payload, js.Result)
	}
}

// handleResolveHelper applies a finished resolution to its blocked
// source task, then removes the helper either way.
func (s *Scheduler) handleResolveHelper(helper *store.Task, js *gateway.JobStatus) error {
	switch js.State {
	case gateway.StateFailed:
		s.logTask("resolution_job_failed", helper.ID, "resolve helper discarded")
		return s.store.DeleteTask(helper.ID)

	case gateway.StateCompleted:
		if srcID, ok := routines.ResolveSourceID(helper.Description); ok {
			src, err := s.store.GetTask(srcID)
			if err != nil {
				return err
			}
			if src != nil && src.Status == store.StatusBlocked {
				if err := s.store.UnblockTask(srcID, js.Result); err != nil {
					return err
				}
				s.logTask("blocked_task_unblocked", srcID, "resolution applied")
			}
		}
		return s.store.DeleteTask(helper.ID)

	default:
		return s.store.UpdateTaskJobState(helper.ID, statusForState(js.State, helper.Status), js.State, js.Payload, js.Result)
	}
}

func statusForState(state, current string) string {
	switch state {
	case gateway.StateQueued:
		return store.StatusActive
	case gateway.StateRunning:
		return store.StatusRunning
	default:
		return current
	}
}

func (s *Scheduler) rescheduleIfRecurring(t *store.Task) error {
	if !t.IsRecurring || t.ScheduleType == store.ScheduleNone {
		return nil
	}
	next, err := NextRun(t, s.now())
	if err != nil {
		return err
	}
	if err := s.store.RescheduleTask(t.ID, next); err != nil {
		return err
	}
	detail := ""
	if next != nil {
		detail = "next_run_at=" + *next
	}
	s.logTask("task_rescheduled", t.ID, detail)
	return nil
}

func (s *Scheduler) logPolled(t *store.Task, js *gateway.JobStatus) {
	layer := "openclaw"
	taskID := strconv.FormatInt(t.ID, 10)
	entry := &store.ActionLogEntry{
		Action:     "openclaw_polled",
		EntityType: "task",
		EntityID:   &taskID,
		Detail:     js.State,
		Layer:      &layer,
	}
	if js.UsedModel != "" {
		model := js.UsedModel
		entry.Model = &model
	}
	_ = s.store.AppendActionLog(entry)
}
