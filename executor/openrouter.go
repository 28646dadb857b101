package executor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zeroclaw/zeroclaw/health"
)

// OpenRouter calls an OpenAI-compatible chat completion gateway.
type OpenRouter struct {
	client  *openai.Client
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenRouter creates the remote LLM adapter. An empty apiKey is
// allowed at construction; Run refuses to dispatch without one.
// appURL and appName are sent as the gateway's HTTP-Referer / X-Title
// attribution headers.
func NewOpenRouter(apiKey, baseURL string, requestTimeout time.Duration, appURL, appName string, logger *slog.Logger) *OpenRouter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{
		Timeout: requestTimeout,
		Transport: &attributionTransport{
			base: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
			referer: appURL,
			title:   appName,
		},
	}
	return &OpenRouter{
		client:  openai.NewClientWithConfig(cfg),
		apiKey:  apiKey,
		timeout: requestTimeout,
		logger:  logger,
	}
}

// attributionTransport adds the HTTP-Referer and X-Title headers the
// gateway uses to attribute traffic to an application.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// Name implements Adapter.
func (o *OpenRouter) Name() string { return "OpenRouter" }

// Run implements Adapter.
func (o *OpenRouter) Run(ctx context.Context, prompt, model string) *Result {
	if o.apiKey == "" {
		return observe(&Result{
			Error:       "openrouter_api_key_missing",
			FailureType: health.FailureError,
			Executor:    o.Name(),
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(runCtx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	elapsed := time.Since(started)

	if err != nil {
		ft := classifyHTTPError(err)
		o.logger.Warn("Remote LLM call failed",
			slog.String("model", model),
			slog.String("failure_type", ft),
			slog.String("error", err.Error()))
		return observe(&Result{
			Duration:    elapsed,
			Error:       err.Error(),
			FailureType: ft,
			Executor:    o.Name(),
		})
	}

	if len(resp.Choices) == 0 {
		return observe(&Result{
			Duration:    elapsed,
			Error:       "empty response",
			FailureType: health.FailureError,
			Executor:    o.Name(),
		})
	}

	return observe(&Result{
		Success:  true,
		Output:   resp.Choices[0].Message.Content,
		Duration: elapsed,
		Executor: o.Name(),
	})
}

// classifyHTTPError maps gateway errors onto the failure taxonomy:
// 401 auth, 429 rate limit, timeouts, everything else a plain error.
func classifyHTTPError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return health.FailureTimeout
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return health.FailureAuth
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return health.FailureRateLimit
		}
		return health.FailureError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return health.FailureTimeout
	}
	return health.FailureError
}
