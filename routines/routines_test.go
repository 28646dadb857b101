package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/store"
)

type capturingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

func (m *capturingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "zeroclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Seed())
	return s
}

func newTestGateway(t *testing.T) (*gateway.Client, *[]string) {
	t.Helper()
	var dispatched []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/jobs") {
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			task := payload["task"].(map[string]any)
			dispatched = append(dispatched, task["title"].(string))
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": fmt.Sprintf("job-%d", len(dispatched))})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return gateway.NewClient(srv.URL, "", "key"), &dispatched
}

func enableRoutine(t *testing.T, s *store.Store, kind string) *store.Routine {
	t.Helper()
	id := "r-" + kind
	require.NoError(t, s.CreateRoutine(&store.Routine{ID: id, Name: kind, Kind: kind}))
	require.NoError(t, s.SetRoutineEnabled(id, true))
	r, err := s.GetRoutine(id)
	require.NoError(t, err)
	return r
}

func TestEnsureDefaultsSeedsDisabledOnce(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")

	require.NoError(t, r.EnsureDefaults())
	require.NoError(t, r.EnsureDefaults())

	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM routines"))
	require.Equal(t, 5, count)

	enabled, err := s.ListEnabledRoutines()
	require.NoError(t, err)
	require.Empty(t, enabled)
}

func TestIdleAutostartSweep(t *testing.T) {
	s := newTestStore(t)
	gw, dispatched := newTestGateway(t)
	r := NewRunner(s, gw, nil, "")
	routine := enableRoutine(t, s, store.RoutineIdleAutostart)

	// A completed remote job should advance.
	completedID, err := s.CreateTask(&store.Task{Title: "Done remotely", Status: store.StatusActive})
	require.NoError(t, err)
	jobStatus := "completed"
	jobID := "old-job"
	_, err = s.DB().Exec("UPDATE tasks SET openclaw_job_id=?, openclaw_job_status=? WHERE id=?", jobID, jobStatus, completedID)
	require.NoError(t, err)

	// A non-critical pending task should auto-approve and dispatch.
	agents, err := s.ListActiveAgents()
	require.NoError(t, err)
	require.NotEmpty(t, agents)
	pendingID, err := s.CreateTask(&store.Task{
		Title:           "Ship feature",
		Status:          store.StatusPending,
		AssignedAgentID: &agents[0].ID,
	})
	require.NoError(t, err)

	require.NoError(t, r.tickIdleAutostart(context.Background(), routine))

	done, err := s.GetTask(completedID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDevDone, done.Status)

	approved, err := s.GetTask(pendingID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, approved.Status)
	require.NotNil(t, approved.JobID)
	require.Contains(t, *dispatched, "Ship feature")
}

func TestIdleAutostartRetriesThenBlocks(t *testing.T) {
	s := newTestStore(t)
	gw, _ := newTestGateway(t)
	r := NewRunner(s, gw, nil, "")
	routine := enableRoutine(t, s, store.RoutineIdleAutostart)

	retryID, err := s.CreateTask(&store.Task{Title: "Flaky", Status: store.StatusBlocked})
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE tasks SET openclaw_job_status='failed', retry_count=1 WHERE id=?", retryID)
	require.NoError(t, err)

	exhaustedID, err := s.CreateTask(&store.Task{Title: "Hopeless", Status: store.StatusBlocked})
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE tasks SET openclaw_job_status='failed', retry_count=3 WHERE id=?", exhaustedID)
	require.NoError(t, err)

	require.NoError(t, r.tickIdleAutostart(context.Background(), routine))

	flaky, err := s.GetTask(retryID)
	require.NoError(t, err)
	require.Equal(t, store.StatusApproved, flaky.Status)
	require.Equal(t, 2, flaky.RetryCount)

	hopeless, err := s.GetTask(exhaustedID)
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, hopeless.Status)
	require.NotNil(t, hopeless.LastError)
	require.Equal(t, "max_retries_exceeded", *hopeless.LastError)
}

func TestIdleAutostartResetsStaleRunning(t *testing.T) {
	s := newTestStore(t)
	gw, _ := newTestGateway(t)
	now := store.UTCNow()
	r := NewRunner(s, gw, nil, "", WithClock(func() time.Time { return now.Add(20 * time.Minute) }))
	routine := enableRoutine(t, s, store.RoutineIdleAutostart)

	staleID, err := s.CreateTask(&store.Task{Title: "Stuck", Status: store.StatusActive})
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE tasks SET openclaw_job_id='j1', openclaw_job_status='running', updated_at=? WHERE id=?",
		store.FormatTime(now), staleID)
	require.NoError(t, err)

	require.NoError(t, r.tickIdleAutostart(context.Background(), routine))

	stuck, err := s.GetTask(staleID)
	require.NoError(t, err)
	require.Equal(t, store.StatusApproved, stuck.Status)
	require.Nil(t, stuck.JobID)
}

func TestReviewAutocreate(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")
	routine := enableRoutine(t, s, store.RoutineReviewAutocreate)

	srcID, err := s.CreateTask(&store.Task{
		Title:       "Build parser",
		Description: "Parse things",
		Status:      store.StatusDevDone,
	})
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE tasks SET last_result='parser built' WHERE id=?", srcID)
	require.NoError(t, err)

	require.NoError(t, r.tickReviewAutocreate(routine))

	helper, err := s.LatestTaskByDescriptionMarker(ReviewMarker(srcID))
	require.NoError(t, err)
	require.NotNil(t, helper)
	require.Equal(t, store.StatusApproved, helper.Status)
	require.Contains(t, helper.Title, fmt.Sprintf("Review: Task #%d", srcID))
	require.Contains(t, helper.Description, "parser built")
	require.NotNil(t, helper.AssignedAgentID)

	// A second tick must not duplicate the helper.
	require.NoError(t, r.tickReviewAutocreate(routine))
	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM tasks WHERE description LIKE ?", "%"+ReviewMarker(srcID)+"%"))
	require.Equal(t, 1, count)
}

func TestReviewAutocreateSkipsHelpers(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")
	routine := enableRoutine(t, s, store.RoutineReviewAutocreate)

	helperID, err := s.CreateTask(&store.Task{
		Title:       "Review: Task #99 — Something",
		Description: "[review_of_task_id:99]\nreview it",
		Status:      store.StatusDevDone,
	})
	require.NoError(t, err)

	require.NoError(t, r.tickReviewAutocreate(routine))

	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM tasks WHERE description LIKE ?", "%"+ReviewMarker(helperID)+"%"))
	require.Zero(t, count)
}

func TestBlockedResolutionCreatesAndApplies(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")
	routine := enableRoutine(t, s, store.RoutineBlockedResolution)

	blockedID, err := s.CreateTask(&store.Task{Title: "Broken build", Description: "it broke", Status: store.StatusBlocked})
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE tasks SET last_error='compile error' WHERE id=?", blockedID)
	require.NoError(t, err)

	require.NoError(t, r.tickBlockedResolution(routine))

	helper, err := s.LatestTaskByDescriptionMarker(ResolveMarker(blockedID))
	require.NoError(t, err)
	require.NotNil(t, helper)
	require.Equal(t, store.StatusApproved, helper.Status)
	require.Contains(t, helper.Description, "compile error")

	// Second tick: helper already open, no duplicate.
	require.NoError(t, r.tickBlockedResolution(routine))
	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM tasks WHERE description LIKE ?", "%"+ResolveMarker(blockedID)+"%"))
	require.Equal(t, 1, count)

	// Finish the helper; the next tick unblocks the source and deletes it.
	_, err = s.DB().Exec("UPDATE tasks SET status='done', last_result='fix the import path' WHERE id=?", helper.ID)
	require.NoError(t, err)
	require.NoError(t, r.tickBlockedResolution(routine))

	src, err := s.GetTask(blockedID)
	require.NoError(t, err)
	require.Equal(t, store.StatusApproved, src.Status)
	require.Nil(t, src.LastError)
	require.Zero(t, src.RetryCount)
	require.NotNil(t, src.ReviewSummary)
	require.Equal(t, "fix the import path", *src.ReviewSummary)

	gone, err := s.GetTask(helper.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestPlanningNextPhase(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")
	routine := enableRoutine(t, s, store.RoutinePlanningNextPhase)

	doneID, err := s.CreateTask(&store.Task{Title: "Phase one", Status: store.StatusDone})
	require.NoError(t, err)
	_, err = s.CreateTask(&store.Task{Title: "Hit a wall", Status: store.StatusBlocked})
	require.NoError(t, err)

	require.NoError(t, r.tickPlanningNextPhase(routine))

	plans, err := s.TasksByStatus(store.StatusPending)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	plan := plans[0]
	require.Equal(t, "Plan: Next Development Phase", plan.Title)
	require.True(t, plan.IsCritical)
	require.Contains(t, plan.Description, fmt.Sprintf("#%d: Phase one", doneID))
	require.Contains(t, plan.Description, "[planning_phase_task]")

	// Open plan blocks re-creation.
	require.NoError(t, r.tickPlanningNextPhase(routine))
	plans, err = s.TasksByStatus(store.StatusPending)
	require.NoError(t, err)
	require.Len(t, plans, 1)
}

func TestPlanningSkippedWhileWorkRemains(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil, nil, "")
	routine := enableRoutine(t, s, store.RoutinePlanningNextPhase)

	_, err := s.CreateTask(&store.Task{Title: "Still going", Status: store.StatusActive})
	require.NoError(t, err)

	require.NoError(t, r.tickPlanningNextPhase(routine))

	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM tasks WHERE title LIKE 'Plan:%'"))
	require.Zero(t, count)
}

func TestStatusReport(t *testing.T) {
	s := newTestStore(t)
	m := &capturingMailer{}
	r := NewRunner(s, nil, m, "boss@example.com")
	routine := enableRoutine(t, s, store.RoutineStatusReportEmail)

	// Below threshold: nothing sent.
	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(&store.Task{Title: fmt.Sprintf("Work %d", i), Status: store.StatusDone})
		require.NoError(t, err)
	}
	require.NoError(t, r.tickStatusReport(context.Background(), routine))
	require.Empty(t, m.sent)

	for i := 5; i < 12; i++ {
		_, err := s.CreateTask(&store.Task{Title: fmt.Sprintf("Work %d", i), Status: store.StatusDone})
		require.NoError(t, err)
	}
	require.NoError(t, r.tickStatusReport(context.Background(), routine))
	require.Len(t, m.sent, 1)
	require.Equal(t, "boss@example.com", m.sent[0].To)
	require.Contains(t, m.sent[0].Body, "<b>12</b>")

	// Throttled: a second immediate tick sends nothing even with new work.
	for i := 12; i < 25; i++ {
		_, err := s.CreateTask(&store.Task{Title: fmt.Sprintf("Work %d", i), Status: store.StatusDone})
		require.NoError(t, err)
	}
	require.NoError(t, r.tickStatusReport(context.Background(), routine))
	require.Len(t, m.sent, 1)
}

func TestStatusReportExcludesPlainReviewHelpers(t *testing.T) {
	s := newTestStore(t)
	m := &capturingMailer{}
	r := NewRunner(s, nil, m, "boss@example.com")
	routine := enableRoutine(t, s, store.RoutineStatusReportEmail)

	for i := 0; i < 12; i++ {
		_, err := s.CreateTask(&store.Task{
			Title:       fmt.Sprintf("Review: Task #%d — thing", i),
			Description: fmt.Sprintf("[review_of_task_id:%d]", i),
			Status:      store.StatusDone,
		})
		require.NoError(t, err)
	}
	require.NoError(t, r.tickStatusReport(context.Background(), routine))
	require.Empty(t, m.sent)
}

func TestStatusReportKeywordPromotesReviewHelper(t *testing.T) {
	task := store.Task{
		Title:       "Review: Task #3 — auth",
		Description: "[review_of_task_id:3]",
		LastResult:  "found a security vulnerability in login",
	}
	require.True(t, isQualifyingCompletion(&task))

	plain := store.Task{Title: "Review: Task #4 — docs", Description: "[review_of_task_id:4]", LastResult: "looks fine"}
	require.False(t, isQualifyingCompletion(&plain))
}

func TestParsePrompt(t *testing.T) {
	tests := []struct {
		prompt string
		kind   string
		claim  bool
		agent  *int64
	}{
		{"start the next approved task when idle", store.RoutineIdleAutostart, false, nil},
		{"claim unassigned work and keep agents busy", store.RoutineIdleAutostart, true, nil},
		{"review everything in dev done", store.RoutineReviewAutocreate, false, nil},
		{"resolve blocked tasks", store.RoutineBlockedResolution, false, nil},
		{"plan the next phase when all done", store.RoutinePlanningNextPhase, false, nil},
		{"send a status report email", store.RoutineStatusReportEmail, false, nil},
		{"keep agent #2 busy, grab unassigned tasks", store.RoutineIdleAutostart, true, ptrInt64(2)},
	}
	for _, tc := range tests {
		t.Run(tc.prompt, func(t *testing.T) {
			spec := ParsePrompt(tc.prompt)
			require.Equal(t, tc.kind, spec.Kind)
			require.Equal(t, tc.claim, spec.ClaimUnassigned)
			if tc.agent == nil {
				require.Nil(t, spec.AgentID)
			} else {
				require.NotNil(t, spec.AgentID)
				require.Equal(t, *tc.agent, *spec.AgentID)
			}
		})
	}
}

func TestCreateFromPrompt(t *testing.T) {
	s := newTestStore(t)

	routine, err := CreateFromPrompt(s, "", "claim unassigned work for agent 2", true)
	require.NoError(t, err)
	require.Equal(t, store.RoutineIdleAutostart, routine.Kind)
	require.True(t, routine.ClaimUnassigned)
	require.NotNil(t, routine.AgentID)
	require.Equal(t, int64(2), *routine.AgentID)

	got, err := s.GetRoutine(routine.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.IsEnabled)
	require.Equal(t, "claim unassigned work for agent 2", got.Name)
	require.NotNil(t, got.Description)
}

func ptrInt64(v int64) *int64 { return &v }
