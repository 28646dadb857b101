package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrateSeed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	pipelines, err := s.ListActivePipelines()
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	require.Equal(t, "Default Pipeline", pipelines[0].Name)

	agents, err := s.ListActiveAgents()
	require.NoError(t, err)
	require.Len(t, agents, 4)

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, h.State)
	require.NotNil(t, h.DailyResetAt)

	// Seeding again must not duplicate anything.
	require.NoError(t, s.Seed())
	agents, err = s.ListActiveAgents()
	require.NoError(t, err)
	require.Len(t, agents, 4)
}

func TestTaskLifecycleFields(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&Task{Title: "Build the parser", Description: "details", RequiresApproval: true})
	require.NoError(t, err)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, ScheduleNone, task.ScheduleType)
	require.Equal(t, 0, task.RetryCount)

	require.NoError(t, s.UpdateTaskStatus(id, StatusApproved))
	require.NoError(t, s.MarkTaskDispatched(id, "job-1"))

	task, err = s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, StatusActive, task.Status)
	require.NotNil(t, task.JobID)
	require.Equal(t, "job-1", *task.JobID)
	require.NotNil(t, task.JobStatus)
	require.Equal(t, JobQueued, *task.JobStatus)

	require.NoError(t, s.ResetTaskForRetry(id, 2))
	task, err = s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, task.Status)
	require.Nil(t, task.JobID)
	require.Nil(t, task.LastError)
	require.Equal(t, 2, task.RetryCount)
}

func TestResumePointerWrittenAtomically(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&Task{Title: "Escalated work"})
	require.NoError(t, err)

	require.NoError(t, s.SetResumePointer(id, StatusQueuedForClaude, 7, 5))

	task, err := s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, StatusQueuedForClaude, task.Status)
	require.NotNil(t, task.ResumePipelineID)
	require.EqualValues(t, 7, *task.ResumePipelineID)
	require.NotNil(t, task.ResumeBlockIndex)
	require.EqualValues(t, 5, *task.ResumeBlockIndex)

	require.NoError(t, s.ClearResumePointer(id))
	task, err = s.GetTask(id)
	require.NoError(t, err)
	require.Nil(t, task.ResumePipelineID)
	require.Nil(t, task.ResumeBlockIndex)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&Task{Title: "Doomed"})
	require.NoError(t, err)

	require.NoError(t, s.InsertDecision(&Decision{
		DecisionID: "d-1", EntityType: "task", EntityID: id,
		Action: "start_task", Status: DecisionPending,
		TokenHash: "h", TokenSalt: "s", RequestedAt: NowString(),
		Requester: "test",
	}))
	_, err = s.CreateCritique(&Critique{TaskID: &id, Title: "note"})
	require.NoError(t, err)
	require.NoError(t, s.AppendExecutorLog(&ExecutorLogEntry{TaskID: id, PipelineID: 1, BlockType: "executor", StartedAt: NowString()}))

	require.NoError(t, s.DeleteTask(id))

	task, err := s.GetTask(id)
	require.NoError(t, err)
	require.Nil(t, task)

	d, err := s.GetDecision("d-1")
	require.NoError(t, err)
	require.Nil(t, d)

	logs, err := s.ExecutorLogsForTask(id)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestSupersedePendingDecisions(t *testing.T) {
	s := newTestStore(t)

	for _, did := range []string{"d-1", "d-2"} {
		require.NoError(t, s.InsertDecision(&Decision{
			DecisionID: did, EntityType: "task", EntityID: 1,
			Action: "start_task", Status: DecisionPending,
			TokenHash: "h", TokenSalt: "s", RequestedAt: NowString(),
			Requester: "test",
		}))
	}

	require.NoError(t, s.SupersedePendingDecisions("task", 1, "start_task"))

	for _, did := range []string{"d-1", "d-2"} {
		d, err := s.GetDecision(did)
		require.NoError(t, err)
		require.Equal(t, DecisionSuperseded, d.Status)
	}

	exists, err := s.PendingDecisionExists("task", 1, "start_task")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRoutineStateKV(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetRoutineState("r1", "last_done_id", "0")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	require.NoError(t, s.SetRoutineState("r1", "last_done_id", "42"))
	require.NoError(t, s.SetRoutineState("r1", "last_done_id", "43"))

	v, err = s.GetRoutineState("r1", "last_done_id", "0")
	require.NoError(t, err)
	require.Equal(t, "43", v)
}

func TestJobLogAppendBounded(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob("j-1", `{"task":{}}`))
	require.NoError(t, s.AppendJobLog("j-1", "queued"))
	require.NoError(t, s.AppendJobLog("j-1", strings.Repeat("x", maxJobLogBytes)))

	j, err := s.GetJob("j-1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(j.Logs), maxJobLogBytes)
	require.True(t, strings.HasSuffix(j.Logs, "x"))
}

func TestHelperTaskDetection(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		review  bool
		resolve bool
	}{
		{"plain task", Task{Title: "Build feature"}, false, false},
		{"review prefix", Task{Title: "Review: Task #3 — thing"}, true, false},
		{"review marker", Task{Title: "anything", Description: "[review_of_task_id:3]"}, true, false},
		{"resolve prefix", Task{Title: "Resolve: Task #9 — stuck"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.review, IsHelperReviewTask(&tt.task))
			require.Equal(t, tt.resolve, IsHelperResolveTask(&tt.task))
		})
	}
}

func TestPipelineForTaskResolution(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	reviewType := "reviewing"
	reviewPipeline := &Pipeline{Name: "Review Pipeline", TaskType: &reviewType, BlocksJSON: "[]", IsActive: true}
	_, err := s.CreatePipeline(reviewPipeline)
	require.NoError(t, err)

	task := &Task{Title: "anything"}

	// Agent pipeline reference wins.
	agent := &Agent{Role: "programming", PipelineID: &reviewPipeline.ID}
	p, err := s.PipelineForTask(task, agent)
	require.NoError(t, err)
	require.Equal(t, reviewPipeline.ID, p.ID)

	// Role keyword match against task_type.
	p, err = s.PipelineForTask(task, &Agent{Role: "reviewing"})
	require.NoError(t, err)
	require.Equal(t, reviewPipeline.ID, p.ID)

	// Fallback to the default-tagged pipeline.
	p, err = s.PipelineForTask(task, &Agent{Role: "general"})
	require.NoError(t, err)
	require.NotNil(t, p.TaskType)
	require.Equal(t, "default", *p.TaskType)

	// No agent at all still resolves.
	p, err = s.PipelineForTask(task, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTasksByStatusOrdering(t *testing.T) {
	s := newTestStore(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.CreateTask(&Task{Title: title, Status: StatusApproved})
		require.NoError(t, err)
	}
	_, err := s.CreateTask(&Task{Title: "d", Status: StatusBlocked})
	require.NoError(t, err)

	tasks, err := s.TasksByStatus(StatusApproved)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "a", tasks[0].Title)

	tasks, err = s.TasksByStatus(StatusApproved, StatusBlocked)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
}
