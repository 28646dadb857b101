// Package gateway is the HTTP client for the remote job gateway: tasks
// are dispatched as jobs and reconciled by polling their status.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Job states after normalization.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
)

// Fatal dispatch conditions. They block the affected dispatch only and
// are surfaced verbatim in the task's last_error.
var (
	ErrBaseURLMissing = errors.New("openclaw_base_url_missing")
	ErrAPIKeyMissing  = errors.New("openrouter_api_key_missing")
)

// TaskRef is the task portion of the dispatch payload.
type TaskRef struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// AgentRef is the agent portion of the dispatch payload.
type AgentRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

// JobStatus is one observed remote job state.
type JobStatus struct {
	State     string // normalized
	RawState  string
	Result    string
	UsedModel string
	Payload   string // raw response body, persisted for debugging
}

// Client talks to one gateway instance.
type Client struct {
	baseURL    string
	authToken  string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a gateway client. baseURL may be empty; Dispatch
// and Status then refuse to operate.
func NewClient(baseURL, authToken, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  strings.TrimPrefix(authToken, "Bearer "),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has a base URL to talk to.
func (c *Client) Configured() bool { return c.baseURL != "" }

// Dispatch enqueues a job for the given task and agent and returns the
// remote job id.
func (c *Client) Dispatch(ctx context.Context, task TaskRef, agent AgentRef, taskID int64, critical bool) (string, error) {
	if c.baseURL == "" {
		return "", ErrBaseURLMissing
	}
	if c.apiKey == "" {
		return "", ErrAPIKeyMissing
	}

	payload := map[string]any{
		"task":               task,
		"agent":              agent,
		"openrouter_api_key": c.apiKey,
		"metadata": map[string]any{
			"source":   "zeroclaw",
			"task_id":  taskID,
			"critical": critical,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("dispatch_failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("dispatch_failed: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch_failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("dispatch_failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("dispatch_failed: %w", err)
	}
	jobID := firstString(parsed, "job_id", "id", "jobId")
	if jobID == "" {
		return "", errors.New("dispatch_no_job_id")
	}

	c.logger.Info("Dispatched job to gateway",
		slog.Int64("task_id", taskID),
		slog.String("job_id", jobID))
	return jobID, nil
}

// Status fetches and normalizes the state of one remote job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	if c.baseURL == "" {
		return nil, ErrBaseURLMissing
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("status_failed: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status_failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status_failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("status_failed: %w", err)
	}

	raw := firstString(parsed, "status", "state")
	return &JobStatus{
		State:     NormalizeState(raw),
		RawState:  raw,
		Result:    firstString(parsed, "result", "output", "message"),
		UsedModel: firstString(parsed, "used_model", "agent_model", "model"),
		Payload:   string(respBody),
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// NormalizeState folds the many spellings gateways use onto the four
// canonical states, passing anything unrecognized through as-is.
func NormalizeState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return StateQueued
	case "running", "in_progress", "inprogress":
		return StateRunning
	case "completed", "complete", "succeeded", "success", "done":
		return StateCompleted
	case "failed", "error", "cancelled", "canceled":
		return StateFailed
	case "":
		return StateUnknown
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
