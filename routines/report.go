package routines

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zeroclaw/zeroclaw/mailer"
	"github.com/zeroclaw/zeroclaw/store"
)

const (
	// statusReportMinTasks is how many qualifying completions trigger
	// a report.
	statusReportMinTasks = 10
	// statusReportMinIntervalSeconds throttles back-to-back reports.
	statusReportMinIntervalSeconds = 30 * 60
)

// importantKeywords promote review helpers into the qualifying set.
var importantKeywords = []string{
	"critical", "important", "blocker", "security", "vulnerability", "risk", "exploit",
}

// tickStatusReport emails a milestone digest once enough meaningful
// tasks have completed since the last report. Review helpers only
// count when critical or flagged by keyword.
func (r *Runner) tickStatusReport(ctx context.Context, routine *store.Routine) error {
	if r.mailer == nil {
		return nil
	}
	to := r.statusReportTo
	if to == "" {
		to = r.approverEmail
	}
	if to == "" {
		r.logger.Warn("Status report skipped, no recipient configured",
			slog.String("routine_id", routine.ID))
		return nil
	}

	now := r.now()

	lastSentStr, err := r.store.GetRoutineState(routine.ID, "last_sent_at", "")
	if err != nil {
		return err
	}
	if lastSentStr != "" {
		lastSent, err := store.ParseTime(lastSentStr)
		if err == nil && now.Sub(lastSent).Seconds() < statusReportMinIntervalSeconds {
			return nil
		}
	}

	lastDoneStr, err := r.store.GetRoutineState(routine.ID, "last_done_id", "0")
	if err != nil {
		return err
	}
	lastDoneID, _ := strconv.ParseInt(lastDoneStr, 10, 64)

	done, err := r.store.DoneTasksAfter(lastDoneID, 2000)
	if err != nil {
		return err
	}

	var qualifying []store.Task
	maxID := lastDoneID
	for _, t := range done {
		if t.ID > maxID {
			maxID = t.ID
		}
		if isQualifyingCompletion(&t) {
			qualifying = append(qualifying, t)
		}
	}
	if len(qualifying) < statusReportMinTasks {
		return nil
	}

	subject, body := mailer.ComposeStatusReport(qualifying)
	if err := r.mailer.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("failed to send status report: %w", err)
	}

	if err := r.store.SetRoutineState(routine.ID, "last_sent_at", store.FormatTime(now)); err != nil {
		return err
	}
	if err := r.store.SetRoutineState(routine.ID, "last_done_id", strconv.FormatInt(maxID, 10)); err != nil {
		return err
	}
	_ = r.store.AppendActionLog(&store.ActionLogEntry{
		Action:     "status_report_sent",
		EntityType: "routine",
		EntityID:   &routine.ID,
		Detail:     fmt.Sprintf("qualifying=%d to=%s", len(qualifying), to),
	})
	return nil
}

// isQualifyingCompletion filters the tasks worth reporting on. Review
// helpers are noise unless they carry something important.
func isQualifyingCompletion(t *store.Task) bool {
	if !strings.HasPrefix(t.Title, "Review:") && !strings.Contains(t.Description, "[review_of_task_id:") {
		return true
	}
	if t.IsCritical {
		return true
	}
	haystack := strings.ToLower(t.Title + " " + t.Description + " " + t.LastResult)
	for _, kw := range importantKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
