// Package scheduler drives the periodic loops: approval requests and
// dispatch, external job polling, paused-pipeline resumption, routine
// execution, and the summary email.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeroclaw/zeroclaw/approvals"
	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/health"
	"github.com/zeroclaw/zeroclaw/mailer"
	"github.com/zeroclaw/zeroclaw/pipeline"
	"github.com/zeroclaw/zeroclaw/routines"
	"github.com/zeroclaw/zeroclaw/store"
)

var schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zeroclaw_scheduler_ticks_total",
	Help: "Scheduler tick executions by loop.",
}, []string{"loop"})

// Intervals groups the loop periods.
type Intervals struct {
	Schedule     time.Duration
	Poll         time.Duration
	Routines     time.Duration
	Resume       time.Duration
	ApprovalLead time.Duration
	// SummaryEvery of zero disables the summary email loop.
	SummaryEvery time.Duration
}

// Scheduler owns the background loops of a running instance.
type Scheduler struct {
	store     *store.Store
	engine    *pipeline.Engine
	gateway   *gateway.Client
	monitor   *health.Monitor
	approvals *approvals.Service
	routines  *routines.Runner
	mailer    mailer.Mailer

	approverEmail string
	publicBaseURL string
	intervals     Intervals

	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastSummary time.Time
	inFlight    map[int64]struct{}
	wg          sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. The gateway, approvals service, routines
// runner, and mailer may each be nil; the corresponding work is skipped.
func New(
	st *store.Store,
	engine *pipeline.Engine,
	gw *gateway.Client,
	monitor *health.Monitor,
	approvalSvc *approvals.Service,
	routineRunner *routines.Runner,
	m mailer.Mailer,
	approverEmail, publicBaseURL string,
	intervals Intervals,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:         st,
		engine:        engine,
		gateway:       gw,
		monitor:       monitor,
		approvals:     approvalSvc,
		routines:      routineRunner,
		mailer:        m,
		approverEmail: approverEmail,
		publicBaseURL: publicBaseURL,
		intervals:     intervals,
		logger:        slog.Default(),
		now:           store.UTCNow,
		inFlight:      make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loops and blocks until ctx is cancelled, then waits
// for in-flight pipeline runs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	schedule := time.NewTicker(s.intervals.Schedule)
	poll := time.NewTicker(s.intervals.Poll)
	resume := time.NewTicker(s.intervals.Resume)
	routinesTicker := time.NewTicker(s.intervals.Routines)
	defer schedule.Stop()
	defer poll.Stop()
	defer resume.Stop()
	defer routinesTicker.Stop()

	s.logger.Info("Scheduler started",
		slog.Duration("schedule_tick", s.intervals.Schedule),
		slog.Duration("poll_tick", s.intervals.Poll))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for in-flight runs")
			s.wg.Wait()
			return
		case <-schedule.C:
			schedulerTicks.WithLabelValues("schedule").Inc()
			s.ScheduleTick(ctx)
			s.SummaryTick(ctx)
		case <-poll.C:
			schedulerTicks.WithLabelValues("poll").Inc()
			s.PollTick(ctx)
		case <-resume.C:
			schedulerTicks.WithLabelValues("resume").Inc()
			s.ResumeTick(ctx)
		case <-routinesTicker.C:
			if s.routines != nil {
				schedulerTicks.WithLabelValues("routines").Inc()
				s.routines.Tick(ctx)
			}
		}
	}
}

// runPipeline executes one task through the engine in the background.
// A task already being run is left alone.
func (s *Scheduler) runPipeline(ctx context.Context, taskID int64, resume bool) {
	s.mu.Lock()
	if _, busy := s.inFlight[taskID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[taskID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, taskID)
			s.mu.Unlock()
		}()

		var err error
		if resume {
			err = s.engine.Resume(ctx, taskID)
		} else {
			err = s.engine.Run(ctx, taskID)
		}
		if err != nil {
			s.logger.Error("Pipeline run failed",
				slog.Int64("task_id", taskID),
				slog.Bool("resume", resume),
				slog.String("error", err.Error()))
		}
	}()
}

// ResumeTick restarts suspended pipelines once the premium executor is
// fully healthy again.
func (s *Scheduler) ResumeTick(ctx context.Context) {
	state, err := s.monitor.State()
	if err != nil {
		s.logger.Error("Failed to read health state", slog.String("error", err.Error()))
		return
	}
	if state != store.HealthHealthy {
		return
	}

	suspended, err := s.store.TasksByStatus(store.StatusPausedLimit, store.StatusQueuedForClaude)
	if err != nil {
		s.logger.Error("Failed to list suspended tasks", slog.String("error", err.Error()))
		return
	}
	for _, t := range suspended {
		s.logger.Info("Resuming suspended task", slog.Int64("task_id", t.ID))
		s.runPipeline(ctx, t.ID, true)
	}
}

// SummaryTick sends the periodic overview email when the configured
// interval has elapsed.
func (s *Scheduler) SummaryTick(ctx context.Context) {
	if s.intervals.SummaryEvery <= 0 || s.mailer == nil || s.approverEmail == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := s.lastSummary.IsZero() || now.Sub(s.lastSummary) >= s.intervals.SummaryEvery
	if due {
		s.lastSummary = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	tasks, err := s.store.RecentTasks(50)
	if err != nil {
		s.logger.Error("Failed to list tasks for summary", slog.String("error", err.Error()))
		return
	}
	pending, err := s.store.ListPendingDecisions()
	if err != nil {
		s.logger.Error("Failed to list pending decisions", slog.String("error", err.Error()))
		return
	}

	subject, body := mailer.ComposeSummary(tasks, pending, s.publicBaseURL)
	if err := s.mailer.Send(ctx, s.approverEmail, subject, body); err != nil {
		s.logger.Error("Failed to send summary email", slog.String("error", err.Error()))
		return
	}
	_ = s.store.AppendActionLog(&store.ActionLogEntry{
		Action:     "summary_email_sent",
		EntityType: "system",
		Detail:     s.approverEmail,
	})
}
