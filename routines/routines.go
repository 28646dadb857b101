// Package routines implements the background auto-advancement loops:
// board self-healing, review and resolution helper tasks, phase
// planning, and the status report email.
package routines

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeroclaw/zeroclaw/gateway"
	"github.com/zeroclaw/zeroclaw/mailer"
	"github.com/zeroclaw/zeroclaw/store"
)

const (
	// maxRetries bounds automatic re-dispatch of failed tasks.
	maxRetries = 3
	// staleAfter is how long a dispatched task may sit without updates
	// before the sweep resets it.
	staleAfter = 10 * time.Minute
)

var routineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zeroclaw_routine_runs_total",
	Help: "Routine executions by kind and outcome.",
}, []string{"kind", "outcome"})

// Runner executes enabled routines on each tick.
type Runner struct {
	store          *store.Store
	gateway        *gateway.Client
	mailer         mailer.Mailer
	approverEmail  string
	statusReportTo string
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithStatusReportRecipient overrides the status report address; the
// approver address is the fallback.
func WithStatusReportRecipient(to string) Option {
	return func(r *Runner) { r.statusReportTo = to }
}

// NewRunner creates a routines runner.
func NewRunner(s *store.Store, gw *gateway.Client, m mailer.Mailer, approverEmail string, opts ...Option) *Runner {
	r := &Runner{
		store:         s,
		gateway:       gw,
		mailer:        m,
		approverEmail: approverEmail,
		logger:        slog.Default(),
		now:           store.UTCNow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureDefaults seeds the standard routines, disabled, when their kind
// is not yet present. Operators enable what they want.
func (r *Runner) EnsureDefaults() error {
	seeds := []struct {
		kind string
		name string
	}{
		{store.RoutineIdleAutostart, "Auto-start next approved task when idle"},
		{store.RoutineReviewAutocreate, "Auto-create approved review tasks for items in Dev Done"},
		{store.RoutineStatusReportEmail, "Status report email (10 completions, 30min min)"},
		{store.RoutineBlockedResolution, "Resolve blocked tasks via architect"},
		{store.RoutinePlanningNextPhase, "Plan next development phase when all tasks complete"},
	}
	for _, seed := range seeds {
		exists, err := r.store.RoutineKindExists(seed.kind)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		id, err := randomID()
		if err != nil {
			return err
		}
		if err := r.store.CreateRoutine(&store.Routine{
			ID:   id,
			Name: seed.name,
			Kind: seed.kind,
		}); err != nil {
			return err
		}
		_ = r.store.AppendActionLog(&store.ActionLogEntry{
			Action:     "routine_seeded",
			EntityType: "routine",
			EntityID:   &id,
			Detail:     seed.kind + "_disabled_by_default",
		})
	}
	return nil
}

// Tick runs every enabled routine once. A failing routine is logged
// and must not prevent the others from running.
func (r *Runner) Tick(ctx context.Context) {
	routines, err := r.store.ListEnabledRoutines()
	if err != nil {
		r.logger.Error("Failed to list routines", slog.String("error", err.Error()))
		return
	}

	for i := range routines {
		routine := &routines[i]
		var err error
		switch routine.Kind {
		case store.RoutineIdleAutostart:
			err = r.tickIdleAutostart(ctx, routine)
		case store.RoutineReviewAutocreate:
			err = r.tickReviewAutocreate(routine)
		case store.RoutineBlockedResolution:
			err = r.tickBlockedResolution(routine)
		case store.RoutinePlanningNextPhase:
			err = r.tickPlanningNextPhase(routine)
		case store.RoutineStatusReportEmail:
			err = r.tickStatusReport(ctx, routine)
		default:
			r.logger.Warn("Unknown routine kind", slog.String("kind", routine.Kind))
			continue
		}
		if err != nil {
			routineRuns.WithLabelValues(routine.Kind, "error").Inc()
			r.logger.Error("Routine failed",
				slog.String("routine_id", routine.ID),
				slog.String("kind", routine.Kind),
				slog.String("error", err.Error()))
			continue
		}
		routineRuns.WithLabelValues(routine.Kind, "ok").Inc()
	}
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
