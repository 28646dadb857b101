package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeroclaw/zeroclaw/agentfiles"
	"github.com/zeroclaw/zeroclaw/approvals"
	"github.com/zeroclaw/zeroclaw/config"
	"github.com/zeroclaw/zeroclaw/executor"
	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/mailer"
	"github.com/zeroclaw/zeroclaw/pipeline"
	"github.com/zeroclaw/zeroclaw/routines"
	"github.com/zeroclaw/zeroclaw/scheduler"
	"github.com/zeroclaw/zeroclaw/store"
)

func runServe(configPath, logLevel string) error {
	logger := setupLogging(logLevel)

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	} else {
		loader := config.NewLoader(logger)
		if err := loader.EnsureUserConfig(); err != nil {
			logger.Warn("Failed to create user config", slog.String("error", err.Error()))
		}
		loaded, err := loader.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
	}

	st, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Seed(); err != nil {
		return err
	}

	localToken, err := executor.EnsureLocalToken(cfg.Store.DataDir)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(st,
		cfg.ClaudeCLI.UnavailableCooldown,
		cfg.ClaudeCLI.ConsecutiveFailureThreshold,
		health.WithLogger(logger))

	remote := executor.NewOpenRouter(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.OpenRouter.RequestTimeout,
		cfg.OpenRouter.AppURL, cfg.OpenRouter.AppName, logger)
	cli := executor.NewClaudeCLI(
		cfg.ClaudeCLI.Command,
		cfg.ClaudeCLI.Timeout,
		cfg.ClaudeCLI.ConsecutiveRateLimitsForDaily,
		cfg.ClaudeCLI.RateLimitWindow,
		monitor,
		executor.WithCLILogger(logger))
	local := executor.NewLocalJob(st, remote, cfg.LocalJobs.Timeout, cfg.LocalJobs.PollInterval, logger)
	registry := executor.NewRegistry(remote, local, cli)

	agentsDir := agentfiles.New(filepath.Join(cfg.Store.DataDir, "agents"))
	engine := pipeline.NewEngine(st, registry, monitor, agentsDir, pipeline.WithLogger(logger))

	approvalSvc := approvals.NewService(st, cfg.Approvals.TTL, approvals.WithLogger(logger))

	var m mailer.Mailer
	if cfg.SMTP.Host != "" {
		m = mailer.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.From, logger)
	} else {
		logger.Warn("SMTP not configured, approval and summary emails disabled")
	}

	// A co-located gateway shares the generated local runner token
	// when no explicit auth token is configured.
	gwToken := cfg.Gateway.AuthToken
	if gwToken == "" {
		gwToken = localToken
	}
	gw := gateway.NewClient(cfg.Gateway.BaseURL, gwToken, cfg.OpenRouter.APIKey,
		gateway.WithLogger(logger))

	runner := routines.NewRunner(st, gw, m, cfg.Approvals.ApproverEmail,
		routines.WithLogger(logger),
		routines.WithStatusReportRecipient(cfg.Approvals.StatusReportTo))
	if err := runner.EnsureDefaults(); err != nil {
		return err
	}

	sched := scheduler.New(st, engine, gw, monitor, approvalSvc, runner, m,
		cfg.Approvals.ApproverEmail, cfg.Server.PublicBaseURL,
		scheduler.Intervals{
			Schedule:     cfg.Scheduler.ScheduleTick,
			Poll:         cfg.Scheduler.PollTick,
			Routines:     cfg.Scheduler.RoutinesTick,
			Resume:       cfg.Scheduler.ResumeTick,
			ApprovalLead: cfg.Scheduler.ApprovalLead,
			SummaryEvery: cfg.Scheduler.SummaryEmailEvery,
		},
		scheduler.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: newRouter(st, monitor, approvalSvc, cfg.Approvals.AutoCriticalKeywords),
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ZeroClaw ready",
		slog.String("version", Version),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("db", cfg.Store.Path))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-schedDone
		return fmt.Errorf("failed to serve: %w", err)
	}

	// Wait for in-flight pipeline runs before exiting.
	<-schedDone
	logger.Info("ZeroClaw shutdown complete")
	return nil
}

func newRouter(st *store.Store, monitor *health.Monitor, approvalSvc *approvals.Service, autoCriticalKeywords []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	approvalSvc.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := monitor.FullStatus()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Post("/api/claude-health/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := monitor.ManualReset(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status, err := monitor.FullStatus()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Get("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		tasks, err := st.RecentTasks(100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tasks)
	})

	r.Post("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title            string `json:"title"`
			Description      string `json:"description"`
			AssignedAgentID  *int64 `json:"assigned_agent_id"`
			IsCritical       bool   `json:"is_critical"`
			RequiresApproval bool   `json:"requires_approval"`
			ScheduleType     string `json:"schedule_type"`
			CronExpr         string `json:"cron_expr"`
			IntervalMinutes  int64  `json:"interval_minutes"`
			IsRecurring      bool   `json:"is_recurring"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		task := &store.Task{
			Title:            req.Title,
			Description:      req.Description,
			Status:           store.StatusPending,
			AssignedAgentID:  req.AssignedAgentID,
			IsCritical:       req.IsCritical,
			RequiresApproval: req.RequiresApproval,
		}
		if req.ScheduleType != "" && req.ScheduleType != store.ScheduleNone {
			task.ScheduleType = req.ScheduleType
			task.IsRecurring = req.IsRecurring
			if req.CronExpr != "" {
				task.CronExpr = &req.CronExpr
			}
			if req.IntervalMinutes > 0 {
				task.IntervalMinutes = &req.IntervalMinutes
			}
			next, err := scheduler.NextRun(task, store.UTCNow())
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			task.NextRunAt = next
		}
		// Critical work always waits for a human.
		if matchesKeyword(req.Title+" "+req.Description, autoCriticalKeywords) {
			task.IsCritical = true
		}
		if task.IsCritical {
			task.RequiresApproval = true
		}
		id, err := st.CreateTask(task)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "is_critical": task.IsCritical})
	})

	r.Post("/api/routines", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string `json:"name"`
			Prompt  string `json:"prompt"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			http.Error(w, "prompt is required", http.StatusBadRequest)
			return
		}
		routine, err := routines.CreateFromPrompt(st, req.Name, req.Prompt, req.Enabled)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":               routine.ID,
			"kind":             routine.Kind,
			"agent_id":         routine.AgentID,
			"claim_unassigned": routine.ClaimUnassigned,
			"enabled":          routine.IsEnabled,
		})
	})

	r.Get("/api/critiques", func(w http.ResponseWriter, r *http.Request) {
		critiques, err := st.ListCritiques(100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(critiques)
	})

	r.Post("/api/critiques", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID   *int64 `json:"task_id"`
			Title    string `json:"title"`
			Body     string `json:"body"`
			Severity string `json:"severity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		id, err := st.CreateCritique(&store.Critique{
			TaskID: req.TaskID, Title: req.Title, Body: req.Body, Severity: req.Severity,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
	})

	return r
}

// matchesKeyword reports whether any keyword appears in the text,
// case-insensitively.
func matchesKeyword(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
