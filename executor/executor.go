// Package executor provides a uniform call surface over the three model
// backends: the OpenRouter-compatible remote gateway, the local
// in-process job runner, and the premium CLI subprocess.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result is the outcome of one adapter invocation. Failures are data,
// not errors: callers branch on Success and FailureType.
type Result struct {
	Success     bool
	Output      string
	Duration    time.Duration
	Error       string
	FailureType string
	Executor    string
}

// Adapter runs a prompt against a model on one backend.
type Adapter interface {
	Name() string
	Run(ctx context.Context, prompt, model string) *Result
}

var invocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zeroclaw_executor_invocations_total",
	Help: "Executor invocations by adapter and outcome.",
}, []string{"executor", "failure_type"})

func observe(r *Result) *Result {
	ft := r.FailureType
	if r.Success {
		ft = "none"
	}
	invocations.WithLabelValues(r.Executor, ft).Inc()
	return r
}

// Registry resolves the executor name from a pipeline block config onto
// a concrete adapter.
type Registry struct {
	remote   Adapter
	local    Adapter
	cli      Adapter
	fallback Adapter
}

// NewRegistry builds a registry. Any adapter may be nil; Resolve falls
// back to the first non-nil one in remote, local, cli order.
func NewRegistry(remote, local, cli Adapter) *Registry {
	r := &Registry{remote: remote, local: local, cli: cli}
	for _, a := range []Adapter{remote, local, cli} {
		if a != nil {
			r.fallback = a
			break
		}
	}
	return r
}

// Resolve maps a block's executor label onto an adapter. Matching is
// case-insensitive and ignores spaces, dashes and underscores, so
// "Claude CLI", "claude-cli" and "claudecli" are the same backend.
func (r *Registry) Resolve(name string) Adapter {
	key := strings.ToLower(name)
	for _, cut := range []string{" ", "-", "_"} {
		key = strings.ReplaceAll(key, cut, "")
	}
	switch {
	case strings.Contains(key, "claude") || strings.Contains(key, "cli"):
		if r.cli != nil {
			return r.cli
		}
	case strings.Contains(key, "local") || strings.Contains(key, "openclaw"):
		if r.local != nil {
			return r.local
		}
	case strings.Contains(key, "openrouter") || strings.Contains(key, "remote"):
		if r.remote != nil {
			return r.remote
		}
	}
	return r.fallback
}

// CLI returns the premium CLI adapter, or nil when not configured.
func (r *Registry) CLI() Adapter { return r.cli }
