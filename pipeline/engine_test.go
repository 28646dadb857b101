package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeroclaw/zeroclaw/agentfiles"
	"github.com/zeroclaw/zeroclaw/executor"
	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/store"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"plain pass", "verdict: pass, looks good", VerdictPass},
		{"starts with fail", "FAIL: missing import", VerdictFail},
		{"json verdict fail", `{"verdict": "fail", "notes": "broken"}`, VerdictFail},
		{"json verdict pass", `{"verdict": "pass"}`, VerdictPass},
		{"fail on later line", "Summary follows.\nFAIL because of X", VerdictFail},
		{"fail mid-sentence passes", "this will not fail in production", VerdictPass},
		{"empty", "", VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseVerdict(tt.output))
		})
	}
}

func TestParseBlocks(t *testing.T) {
	blocks, err := ParseBlocks(`[
		{"type":"route","config":{"condition":"task.type == 'programming'"}},
		{"type":"executor","config":{"model":"m1","executor":"OpenRouter"}},
		{"type":"retry","config":{"max_retries":2,"include_review_notes":true}}
	]`)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, BlockRoute, blocks[0].Type)
	require.Equal(t, "m1", blocks[1].String("model", ""))
	require.Equal(t, 2, blocks[2].Int("max_retries", 1))
	require.True(t, blocks[2].Bool("include_review_notes", false))

	blocks, err = ParseBlocks("")
	require.NoError(t, err)
	require.Empty(t, blocks)

	_, err = ParseBlocks("{not json")
	require.Error(t, err)
}

// scripted returns canned results in order, recording prompts.
type scripted struct {
	name    string
	results []*executor.Result
	prompts []string
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Run(ctx context.Context, prompt, model string) *executor.Result {
	s.prompts = append(s.prompts, prompt)
	i := len(s.prompts) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := *s.results[i]
	r.Executor = s.name
	return &r
}

func ok(output string) *executor.Result {
	return &executor.Result{Success: true, Output: output, Duration: time.Millisecond}
}

func failWith(failureType, errText string) *executor.Result {
	return &executor.Result{FailureType: failureType, Error: errText, Duration: time.Millisecond}
}

type fixture struct {
	store   *store.Store
	monitor *health.Monitor
	remote  *scripted
	cli     *scripted
	engine  *Engine
}

func newFixture(t *testing.T, remote, cli *scripted) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	monitor := health.NewMonitor(s, 30*time.Minute, 5)
	reg := executor.NewRegistry(remote, nil, cli)
	engine := NewEngine(s, reg, monitor, agentfiles.New(t.TempDir()))
	return &fixture{store: s, monitor: monitor, remote: remote, cli: cli, engine: engine}
}

func (f *fixture) createTask(t *testing.T, blocksJSON string) int64 {
	t.Helper()
	taskType := "default"
	pid, err := f.store.CreatePipeline(&store.Pipeline{
		Name: "P", TaskType: &taskType, BlocksJSON: blocksJSON, IsActive: true,
	})
	require.NoError(t, err)

	agentID, err := f.store.CreateAgent(&store.Agent{
		Name: "Programmer", Role: "programming", Model: "default-model", PipelineID: &pid, IsActive: true,
	})
	require.NoError(t, err)

	id, err := f.store.CreateTask(&store.Task{
		Title:           "Build the widget",
		Description:     "make it spin",
		Status:          store.StatusActive,
		AssignedAgentID: &agentID,
	})
	require.NoError(t, err)
	return id
}

const happyPipeline = `[
	{"type":"route","config":{"condition":"task.type == 'programming'"}},
	{"type":"executor","config":{"model":"model-a","executor":"OpenRouter"}},
	{"type":"review","config":{"model":"model-b","executor":"OpenRouter","pass_action":"skip_to_done"}},
	{"type":"done","config":{}}
]`

func TestHappyPath(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		ok("ok\n"),
		ok("verdict: pass"),
	}}
	f := newFixture(t, remote, nil)
	id := f.createTask(t, happyPipeline)

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, task.Status)
	require.Equal(t, "ok\n", task.LastResult)

	logs, err := f.store.ExecutorLogsForTask(id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, BlockRoute, logs[0].BlockType)
	require.Equal(t, BlockExecutor, logs[1].BlockType)
	require.Equal(t, BlockReview, logs[2].BlockType)
	require.NotNil(t, logs[2].PassFail)
	require.Equal(t, VerdictPass, *logs[2].PassFail)
}

const retryPipeline = `[
	{"type":"executor","config":{"model":"model-a","executor":"OpenRouter"}},
	{"type":"review","config":{"model":"model-b","executor":"OpenRouter"}},
	{"type":"retry","config":{"model":"model-a","executor":"OpenRouter","max_retries":1,"include_review_notes":true}},
	{"type":"review","config":{"model":"model-b","executor":"OpenRouter"}},
	{"type":"escalate","config":{"executor":"Claude CLI","on_limit":"queue"}},
	{"type":"done","config":{}}
]`

func TestRetryWithReviewNotes(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		ok("attempt one"),
		ok("FAIL: missing import"),
		ok("attempt two"),
		ok("verdict: pass"),
	}}
	f := newFixture(t, remote, nil)
	id := f.createTask(t, retryPipeline)

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Equal(t, "attempt two", task.LastResult)

	// The retry prompt carries the reviewer's notes.
	require.Len(t, remote.prompts, 4)
	require.Contains(t, remote.prompts[2], "missing import")
	require.Contains(t, remote.prompts[2], "Review Notes")
}

func TestEscalateQueueAndResume(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		ok("attempt one"),
		ok("FAIL: wrong"),
		ok("attempt two"),
		ok("FAIL: still wrong"),
	}}
	cli := &scripted{name: "Claude CLI", results: []*executor.Result{
		failWith(health.FailureDaily, "daily limit reached"),
	}}
	f := newFixture(t, remote, cli)
	id := f.createTask(t, retryPipeline)

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueuedForClaude, task.Status)
	require.NotNil(t, task.ResumeBlockIndex)
	require.EqualValues(t, 4, *task.ResumeBlockIndex)
	require.NotNil(t, task.ResumePipelineID)

	// Simulate the daily reset, then resume at the escalate block.
	require.NoError(t, f.store.ManualResetHealth())
	cli.results = []*executor.Result{ok("claude fixed it")}
	cli.prompts = nil

	require.NoError(t, f.engine.Resume(context.Background(), id))

	task, err = f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, task.Status)
	require.Equal(t, "claude fixed it", task.LastResult)
	require.Nil(t, task.ResumeBlockIndex)
	require.Nil(t, task.ResumePipelineID)
}

func TestEscalateStopOnAuthFailure(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		ok("attempt"),
		ok("FAIL: nope"),
		ok("attempt two"),
		ok("FAIL: nope"),
	}}
	cli := &scripted{name: "Claude CLI", results: []*executor.Result{ok("unused")}}
	f := newFixture(t, remote, cli)

	stopPipeline := `[
		{"type":"executor","config":{"model":"a","executor":"OpenRouter"}},
		{"type":"review","config":{"model":"b","executor":"OpenRouter"}},
		{"type":"escalate","config":{"executor":"Claude CLI","on_limit":"stop"}},
		{"type":"done","config":{}}
	]`
	id := f.createTask(t, stopPipeline)

	// Park the executor before the run.
	require.NoError(t, f.monitor.RecordFailure(health.FailureAuth))

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusBlocked, task.Status)
	require.Empty(t, cli.prompts, "CLI must not be invoked while parked")
}

func TestEscalateQueueOnAuthFailureParksPausedLimit(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		ok("attempt"),
		ok("FAIL: nope"),
		ok("attempt two"),
		ok("FAIL: nope"),
	}}
	cli := &scripted{name: "Claude CLI", results: []*executor.Result{ok("unused")}}
	f := newFixture(t, remote, cli)
	id := f.createTask(t, retryPipeline)

	require.NoError(t, f.monitor.RecordFailure(health.FailureAuth))
	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPausedLimit, task.Status)
	require.NotNil(t, task.ResumeBlockIndex)
}

func TestRunOnTerminalTaskIsNoOp(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{ok("x")}}
	f := newFixture(t, remote, nil)
	id := f.createTask(t, happyPipeline)
	require.NoError(t, f.store.UpdateTaskStatus(id, store.StatusDone))

	require.NoError(t, f.engine.Run(context.Background(), id))

	require.Empty(t, remote.prompts)
	logs, err := f.store.ExecutorLogsForTask(id)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestPipelineWithoutDoneEndsDevDone(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{ok("output")}}
	f := newFixture(t, remote, nil)
	id := f.createTask(t, `[{"type":"executor","config":{"model":"a","executor":"OpenRouter"}}]`)

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDevDone, task.Status)
	require.Equal(t, "output", task.LastResult)
}

func TestUnknownBlockKindIsSkipped(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{ok("out"), ok("pass")}}
	f := newFixture(t, remote, nil)
	id := f.createTask(t, `[
		{"type":"teleport","config":{}},
		{"type":"executor","config":{"model":"a","executor":"OpenRouter"}},
		{"type":"done","config":{}}
	]`)

	require.NoError(t, f.engine.Run(context.Background(), id))

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, task.Status)
}

func TestReviewOfEmptyOutputFailsWithoutModelCall(t *testing.T) {
	remote := &scripted{name: "OpenRouter", results: []*executor.Result{
		failWith(health.FailureError, "model exploded"),
	}}
	cli := &scripted{name: "Claude CLI", results: []*executor.Result{ok("rescued")}}
	f := newFixture(t, remote, cli)
	id := f.createTask(t, `[
		{"type":"executor","config":{"model":"a","executor":"OpenRouter"}},
		{"type":"review","config":{"model":"b","executor":"OpenRouter"}},
		{"type":"escalate","config":{"executor":"Claude CLI","on_limit":"queue"}},
		{"type":"done","config":{}}
	]`)

	require.NoError(t, f.engine.Run(context.Background(), id))

	// Only the failed executor call hit the remote adapter; the review
	// of the empty candidate must not invoke the model.
	require.Len(t, remote.prompts, 1)

	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, task.Status)
	require.Equal(t, "rescued", task.LastResult)
}
