// Package config provides configuration loading and management for ZeroClaw.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ZeroClaw configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	ClaudeCLI  ClaudeCLIConfig  `yaml:"claude_cli"`
	LocalJobs  LocalJobsConfig  `yaml:"local_jobs"`
	SMTP       SMTPConfig       `yaml:"smtp"`
}

// ServerConfig configures the HTTP surface and outward-facing URLs
type ServerConfig struct {
	// ListenAddr is the bind address for the approval/API server
	ListenAddr string `yaml:"listen_addr"`
	// PublicBaseURL is the base URL embedded in approval links
	PublicBaseURL string `yaml:"public_base_url"`
}

// StoreConfig configures the embedded relational store
type StoreConfig struct {
	// Path is the SQLite database file path
	Path string `yaml:"path"`
	// DataDir holds agent directories and runtime files
	DataDir string `yaml:"data_dir"`
}

// SchedulerConfig configures the periodic tick loops
type SchedulerConfig struct {
	// ScheduleTick is the dispatch loop interval
	ScheduleTick time.Duration `yaml:"schedule_tick"`
	// PollTick is the external job poll interval
	PollTick time.Duration `yaml:"poll_tick"`
	// RoutinesTick is the auto-routines loop interval
	RoutinesTick time.Duration `yaml:"routines_tick"`
	// ResumeTick is the paused-pipeline resume interval
	ResumeTick time.Duration `yaml:"resume_tick"`
	// ApprovalLead is how early before next_run_at to request approval
	ApprovalLead time.Duration `yaml:"approval_lead"`
	// SummaryEmailEvery is the periodic summary email interval (0 = disabled)
	SummaryEmailEvery time.Duration `yaml:"summary_email_every"`
}

// ApprovalsConfig configures the decision token subsystem
type ApprovalsConfig struct {
	// ApproverEmail receives approval requests and summary emails
	ApproverEmail string `yaml:"approver_email"`
	// StatusReportTo receives periodic status report emails; falls back
	// to ApproverEmail when empty
	StatusReportTo string `yaml:"status_report_to"`
	// TTL is the pending-decision expiry
	TTL time.Duration `yaml:"ttl"`
	// AutoCriticalKeywords flag a task critical when one appears in its
	// title or description (matched lowercase)
	AutoCriticalKeywords []string `yaml:"auto_critical_keywords"`
}

// OpenRouterConfig configures the remote chat-completion adapter
type OpenRouterConfig struct {
	// APIKey authenticates against the OpenRouter-compatible endpoint
	APIKey string `yaml:"api_key"`
	// BaseURL is the OpenAI-compatible API base
	BaseURL string `yaml:"base_url"`
	// AppURL and AppName are sent as attribution headers
	AppURL  string `yaml:"app_url"`
	AppName string `yaml:"app_name"`
	// RequestTimeout bounds a whole completion request
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// GatewayConfig configures the external job gateway client
type GatewayConfig struct {
	// BaseURL is the gateway root; empty disables remote dispatch
	BaseURL string `yaml:"base_url"`
	// AuthToken is sent as a bearer token on every request
	AuthToken string `yaml:"auth_token"`
}

// ClaudeCLIConfig configures the premium CLI executor
type ClaudeCLIConfig struct {
	// Command is the CLI binary to invoke
	Command string `yaml:"command"`
	// Timeout bounds a single subprocess invocation
	Timeout time.Duration `yaml:"timeout"`
	// ConsecutiveRateLimitsForDaily promotes that many rate limits
	// inside RateLimitWindow to a daily limit
	ConsecutiveRateLimitsForDaily int `yaml:"consecutive_rate_limits_for_daily"`
	// RateLimitWindow is the rolling window for the promotion rule
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	// UnavailableCooldown is the auto-recover delay from UNAVAILABLE
	UnavailableCooldown time.Duration `yaml:"unavailable_cooldown"`
	// ConsecutiveFailureThreshold is how many errors/timeouts in a row
	// drop the executor to UNAVAILABLE
	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold"`
}

// LocalJobsConfig configures the in-process job runner
type LocalJobsConfig struct {
	// Timeout bounds a single local job
	Timeout time.Duration `yaml:"timeout"`
	// PollInterval is how often a waiting caller re-reads job state
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SMTPConfig configures outbound mail; empty Host disables sending
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":9000",
			PublicBaseURL: "http://localhost:9000",
		},
		Store: StoreConfig{
			Path:    "data/zeroclaw.db",
			DataDir: "data",
		},
		Scheduler: SchedulerConfig{
			ScheduleTick:      20 * time.Second,
			PollTick:          20 * time.Second,
			RoutinesTick:      10 * time.Second,
			ResumeTick:        30 * time.Second,
			ApprovalLead:      300 * time.Second,
			SummaryEmailEvery: 0, // disabled unless configured
		},
		Approvals: ApprovalsConfig{
			TTL: 72 * time.Hour,
			AutoCriticalKeywords: []string{
				"prod", "production", "deploy", "release",
				"payment", "billing", "security", "delete",
			},
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			AppURL:         "http://localhost:9000",
			AppName:        "ZeroClaw",
			RequestTimeout: 120 * time.Second,
		},
		ClaudeCLI: ClaudeCLIConfig{
			Command:                       "claude",
			Timeout:                       300 * time.Second,
			ConsecutiveRateLimitsForDaily: 3,
			RateLimitWindow:               10 * time.Minute,
			UnavailableCooldown:           30 * time.Minute,
			ConsecutiveFailureThreshold:   5,
		},
		LocalJobs: LocalJobsConfig{
			Timeout:      300 * time.Second,
			PollInterval: 2 * time.Second,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Scheduler.ScheduleTick <= 0 || c.Scheduler.PollTick <= 0 ||
		c.Scheduler.RoutinesTick <= 0 || c.Scheduler.ResumeTick <= 0 {
		return fmt.Errorf("scheduler tick intervals must be positive")
	}
	if c.Approvals.TTL <= 0 {
		return fmt.Errorf("approvals.ttl must be positive")
	}
	if c.ClaudeCLI.ConsecutiveRateLimitsForDaily < 1 {
		return fmt.Errorf("claude_cli.consecutive_rate_limits_for_daily must be at least 1")
	}
	if c.ClaudeCLI.ConsecutiveFailureThreshold < 1 {
		return fmt.Errorf("claude_cli.consecutive_failure_threshold must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overlays recognized environment variables onto the config.
// Environment values take precedence over file values.
func (c *Config) ApplyEnv() {
	envString(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
	envString(&c.Server.ListenAddr, "ZEROCLAW_LISTEN_ADDR")
	envString(&c.Store.Path, "ZEROCLAW_DB")
	envString(&c.Store.DataDir, "ZEROCLAW_DATA_DIR")

	envSeconds(&c.Scheduler.ScheduleTick, "SCHEDULER_TICK_SECONDS")
	envSeconds(&c.Scheduler.PollTick, "OPENCLAW_POLL_SECONDS")
	envSeconds(&c.Scheduler.RoutinesTick, "ROUTINES_TICK_SECONDS")
	envSeconds(&c.Scheduler.ApprovalLead, "SCHEDULE_APPROVAL_LEAD_SECONDS")
	envMinutes(&c.Scheduler.SummaryEmailEvery, "SUMMARY_EMAIL_EVERY_MINUTES")

	envString(&c.Approvals.ApproverEmail, "APPROVER_EMAIL")
	envString(&c.Approvals.StatusReportTo, "STATUS_REPORT_TO")
	envHours(&c.Approvals.TTL, "APPROVAL_TTL_HOURS")
	if raw := os.Getenv("AUTO_CRITICAL_KEYWORDS"); raw != "" {
		var keywords []string
		for _, kw := range strings.Split(raw, ",") {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		c.Approvals.AutoCriticalKeywords = keywords
	}

	envString(&c.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	envString(&c.OpenRouter.BaseURL, "OPENROUTER_BASE_URL")
	envString(&c.OpenRouter.AppURL, "OPENROUTER_APP_URL")
	envString(&c.OpenRouter.AppName, "OPENROUTER_APP_NAME")

	envString(&c.Gateway.BaseURL, "OPENCLAW_BASE_URL")
	c.Gateway.BaseURL = strings.TrimRight(c.Gateway.BaseURL, "/")
	envString(&c.Gateway.AuthToken, "OPENCLAW_AUTH_TOKEN")
	if c.Gateway.AuthToken == "" {
		envString(&c.Gateway.AuthToken, "OPENCLAW_TOKEN")
	}

	envString(&c.ClaudeCLI.Command, "CLAUDE_CLI_COMMAND")
	envSeconds(&c.ClaudeCLI.Timeout, "CLAUDE_CLI_TIMEOUT_SECONDS")
	envInt(&c.ClaudeCLI.ConsecutiveRateLimitsForDaily, "CLAUDE_CONSECUTIVE_RATE_LIMITS_FOR_DAILY")
	envMinutes(&c.ClaudeCLI.RateLimitWindow, "CLAUDE_RATE_LIMIT_WINDOW_MINUTES")
	envMinutes(&c.ClaudeCLI.UnavailableCooldown, "CLAUDE_UNAVAILABLE_COOLDOWN_MINUTES")

	envSeconds(&c.LocalJobs.Timeout, "OPENCLAW_JOB_TIMEOUT_SECONDS")

	envString(&c.SMTP.Host, "SMTP_HOST")
	envInt(&c.SMTP.Port, "SMTP_PORT")
	envString(&c.SMTP.User, "SMTP_USER")
	envString(&c.SMTP.Pass, "SMTP_PASS")
	envString(&c.SMTP.From, "SMTP_FROM")
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.User
	}
	if c.Approvals.ApproverEmail == "" {
		// Legacy names honored by earlier deployments
		envString(&c.Approvals.ApproverEmail, "EMAIL_TO")
	}
	if c.Approvals.ApproverEmail == "" {
		envString(&c.Approvals.ApproverEmail, "MAIL_TO")
	}
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envSeconds(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envMinutes(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

func envHours(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Hour
		}
	}
}
