package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zeroclaw/zeroclaw/store"
)

// NextRun computes the next run time for a scheduled task, or nil for
// unscheduled tasks.
func NextRun(t *store.Task, now time.Time) (*string, error) {
	switch t.ScheduleType {
	case store.ScheduleInterval:
		if t.IntervalMinutes == nil || *t.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("task %d has no interval", t.ID)
		}
		v := store.FormatTime(now.Add(time.Duration(*t.IntervalMinutes) * time.Minute))
		return &v, nil
	case store.ScheduleCron:
		if t.CronExpr == nil || *t.CronExpr == "" {
			return nil, fmt.Errorf("task %d has no cron expression", t.ID)
		}
		sched, err := cron.ParseStandard(*t.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cron expression for task %d: %w", t.ID, err)
		}
		v := store.FormatTime(sched.Next(now.UTC()))
		return &v, nil
	default:
		return nil, nil
	}
}
