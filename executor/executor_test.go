package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/store"
)

func TestClassifyFailureOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"session expired", "Error: session expired, please run login", health.FailureAuth},
		{"unauthorized", "401 Unauthorized", health.FailureAuth},
		{"daily limit", "You have hit your daily limit", health.FailureDaily},
		{"quota", "quota exceeded for this billing period", health.FailureDaily},
		{"rate limit", "rate limit hit, try again later", health.FailureRateLimit},
		{"throttled", "request throttled", health.FailureRateLimit},
		{"auth wins over limit", "auth token invalid: usage limit check failed", health.FailureAuth},
		{"daily wins over rate", "usage limit reached, you are being rate limited", health.FailureDaily},
		{"no signature", "segmentation fault", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classifyFailureOutput(tt.output))
		})
	}
}

func TestClassifyLimitOutputIgnoresAuthWords(t *testing.T) {
	// Ordinary prose mentioning tokens must not fail a clean run.
	require.Equal(t, "", classifyLimitOutput("here is how to rotate an auth token"))
	require.Equal(t, health.FailureDaily, classifyLimitOutput("usage limit reached"))
	require.Equal(t, health.FailureRateLimit, classifyLimitOutput("too many requests"))
}

func TestRegistryResolve(t *testing.T) {
	remote := &fakeAdapter{name: "OpenRouter"}
	local := &fakeAdapter{name: "Local"}
	cli := &fakeAdapter{name: "Claude CLI"}
	r := NewRegistry(remote, local, cli)

	tests := []struct {
		label string
		want  Adapter
	}{
		{"OpenRouter", remote},
		{"openrouter", remote},
		{"Claude CLI", cli},
		{"claude-cli", cli},
		{"claudecli", cli},
		{"Local", local},
		{"openclaw_local", local},
		{"", remote}, // fallback
	}
	for _, tt := range tests {
		require.Same(t, tt.want, r.Resolve(tt.label), "label %q", tt.label)
	}
}

// --- premium CLI adapter ---

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newCLI(t *testing.T, script string, timeout time.Duration) (*ClaudeCLI, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	m := health.NewMonitor(s, 30*time.Minute, 5)
	return NewClaudeCLI(script, timeout, 3, 10*time.Minute, m), s
}

func TestClaudeCLISuccess(t *testing.T) {
	cli, s := newCLI(t, writeScript(t, `echo "all good"`), 5*time.Second)

	res := cli.Run(context.Background(), "do the thing", "claude-cli")
	require.True(t, res.Success)
	require.Equal(t, "all good", res.Output)
	require.Empty(t, res.FailureType)

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, h.State)
	require.Equal(t, 1, h.DailyInvocations)
}

func TestClaudeCLIAuthFailure(t *testing.T) {
	cli, s := newCLI(t, writeScript(t, `echo "session expired" >&2; exit 1`), 5*time.Second)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.False(t, res.Success)
	require.Equal(t, health.FailureAuth, res.FailureType)

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, store.HealthAuthFailed, h.State)
}

func TestClaudeCLIRateLimitPromotion(t *testing.T) {
	cli, s := newCLI(t, writeScript(t, `echo "rate limit exceeded" >&2; exit 1`), 5*time.Second)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.Equal(t, health.FailureRateLimit, res.FailureType)
	res = cli.Run(context.Background(), "p", "claude-cli")
	require.Equal(t, health.FailureRateLimit, res.FailureType)

	// Third rate limit inside the window promotes to a daily limit.
	res = cli.Run(context.Background(), "p", "claude-cli")
	require.Equal(t, health.FailureDaily, res.FailureType)

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, store.HealthDailyLimitHit, h.State)
}

func TestClaudeCLIRateLimitWindowExpiry(t *testing.T) {
	now := time.Now()
	script := writeScript(t, `echo "throttled" >&2; exit 1`)
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	m := health.NewMonitor(s, 30*time.Minute, 5)
	cli := NewClaudeCLI(script, 5*time.Second, 3, 10*time.Minute, m,
		WithCLIClock(func() time.Time { return now }))

	require.Equal(t, health.FailureRateLimit, cli.Run(context.Background(), "p", "m").FailureType)
	require.Equal(t, health.FailureRateLimit, cli.Run(context.Background(), "p", "m").FailureType)

	// The first two fall out of the window; no promotion.
	now = now.Add(11 * time.Minute)
	require.Equal(t, health.FailureRateLimit, cli.Run(context.Background(), "p", "m").FailureType)
}

func TestClaudeCLIEmptyOutput(t *testing.T) {
	cli, _ := newCLI(t, writeScript(t, `exit 0`), 5*time.Second)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.False(t, res.Success)
	require.Equal(t, health.FailureError, res.FailureType)
	require.Equal(t, "empty output", res.Error)
}

func TestClaudeCLILimitMessageOnCleanExit(t *testing.T) {
	cli, _ := newCLI(t, writeScript(t, `echo "usage limit reached"`), 5*time.Second)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.False(t, res.Success)
	require.Equal(t, health.FailureDaily, res.FailureType)
}

func TestClaudeCLITimeout(t *testing.T) {
	cli, _ := newCLI(t, writeScript(t, `sleep 5`), 200*time.Millisecond)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.False(t, res.Success)
	require.Equal(t, health.FailureTimeout, res.FailureType)
}

func TestClaudeCLINotFound(t *testing.T) {
	cli, _ := newCLI(t, filepath.Join(t.TempDir(), "missing-binary"), 5*time.Second)

	res := cli.Run(context.Background(), "p", "claude-cli")
	require.False(t, res.Success)
	require.Equal(t, health.FailureError, res.FailureType)
}

// --- local job adapter ---

type fakeAdapter struct {
	name   string
	result *Result
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Run(ctx context.Context, prompt, model string) *Result {
	if f.result != nil {
		return f.result
	}
	return &Result{Success: true, Output: "ok", Executor: f.name}
}

func TestLocalJobSuccess(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	delegate := &fakeAdapter{name: "fake", result: &Result{Success: true, Output: "answer"}}
	lj := NewLocalJob(s, delegate, 5*time.Second, 10*time.Millisecond, nil)

	res := lj.Run(context.Background(), "prompt", "model-x")
	require.True(t, res.Success)
	require.Equal(t, "answer", res.Output)
}

func TestLocalJobFailure(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	delegate := &fakeAdapter{name: "fake", result: &Result{Error: "model exploded", FailureType: health.FailureError}}
	lj := NewLocalJob(s, delegate, 5*time.Second, 10*time.Millisecond, nil)

	res := lj.Run(context.Background(), "prompt", "model-x")
	require.False(t, res.Success)
	require.Equal(t, "model exploded", res.Error)
	require.Equal(t, health.FailureError, res.FailureType)
}

func TestEnsureLocalTokenStable(t *testing.T) {
	dir := t.TempDir()

	tok1, err := EnsureLocalToken(dir)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	tok2, err := EnsureLocalToken(dir)
	require.NoError(t, err)
	require.Equal(t, tok1, tok2)

	info, err := os.Stat(filepath.Join(dir, "openclaw_token.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// --- remote adapter ---

func TestOpenRouterMissingKey(t *testing.T) {
	o := NewOpenRouter("", "", time.Second, "", "", nil)

	res := o.Run(context.Background(), "p", "m")
	require.False(t, res.Success)
	require.Equal(t, "openrouter_api_key_missing", res.Error)
}

func TestOpenRouterSendsAttributionHeaders(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenRouter("key", srv.URL+"/v1", 5*time.Second, "http://zeroclaw.local", "ZeroClaw", nil)
	res := o.Run(context.Background(), "p", "m")
	require.True(t, res.Success)
	require.Equal(t, "ok", res.Output)
	require.Equal(t, "http://zeroclaw.local", referer)
	require.Equal(t, "ZeroClaw", title)
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, health.FailureTimeout},
		{"401", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, health.FailureAuth},
		{"403", &openai.APIError{HTTPStatusCode: http.StatusForbidden}, health.FailureAuth},
		{"429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, health.FailureRateLimit},
		{"500", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, health.FailureError},
		{"other", os.ErrClosed, health.FailureError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classifyHTTPError(tt.err))
		})
	}
}
