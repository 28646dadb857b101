// Package health tracks the availability of the premium CLI executor.
//
// A single persisted state machine decides whether escalation blocks may
// invoke the CLI at all: authentication failures and daily usage limits
// park it until an operator or the clock intervenes, while repeated
// transient errors degrade it and eventually mark it unavailable for a
// cooldown period.
package health

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zeroclaw/zeroclaw/store"
)

// Failure types reported by executor adapters.
const (
	FailureAuth      = "AUTH"
	FailureRateLimit = "RATE_LIMIT"
	FailureDaily     = "DAILY_LIMIT"
	FailureTimeout   = "TIMEOUT"
	FailureError     = "ERROR"
)

// Monitor owns reads and writes of the health singleton.
type Monitor struct {
	store    *store.Store
	logger   *slog.Logger
	cooldown time.Duration
	// consecutiveThreshold is how many back-to-back timeout/error
	// failures flip the state to UNAVAILABLE.
	consecutiveThreshold int
	now                  func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor over the given store.
func NewMonitor(s *store.Store, cooldown time.Duration, consecutiveThreshold int, opts ...Option) *Monitor {
	m := &Monitor{
		store:                s,
		logger:               slog.Default(),
		cooldown:             cooldown,
		consecutiveThreshold: consecutiveThreshold,
		now:                  store.UTCNow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current health state after applying time-based
// recoveries: a daily-limit park ends at the recorded reset time, and an
// UNAVAILABLE park ends after the cooldown has elapsed since the last
// failure.
func (m *Monitor) State() (string, error) {
	h, err := m.store.GetHealth()
	if err != nil {
		return "", err
	}
	now := m.now()

	if h.DailyResetAt != nil {
		resetAt, perr := store.ParseTime(*h.DailyResetAt)
		if perr == nil && !now.Before(resetAt) {
			next := store.FormatTime(store.NextMidnightUTC(now))
			if h.State == store.HealthDailyLimitHit {
				if err := m.store.ResetHealthDaily(next); err != nil {
					return "", err
				}
				m.logger.Info("Daily limit window elapsed, executor healthy again",
					slog.String("next_reset", next))
				return store.HealthHealthy, nil
			}
			if err := m.store.RollDailyWindow(next); err != nil {
				return "", err
			}
		}
	}

	if h.State == store.HealthUnavailable && h.LastFailure != nil {
		lastFailure, perr := store.ParseTime(*h.LastFailure)
		if perr == nil && now.Sub(lastFailure) >= m.cooldown {
			if err := m.store.RecoverHealth(); err != nil {
				return "", err
			}
			m.logger.Info("Cooldown elapsed, executor healthy again",
				slog.Duration("cooldown", m.cooldown))
			return store.HealthHealthy, nil
		}
	}

	return h.State, nil
}

// Available reports whether the CLI may be invoked right now.
func (m *Monitor) Available() (bool, error) {
	state, err := m.State()
	if err != nil {
		return false, err
	}
	return state == store.HealthHealthy || state == store.HealthDegraded, nil
}

// RecordSuccess notes a successful invocation, restoring HEALTHY and
// clearing the consecutive-failure count.
func (m *Monitor) RecordSuccess() error {
	h, err := m.store.GetHealth()
	if err != nil {
		return err
	}
	return m.store.RecordHealthSuccess(h.DailyInvocations + 1)
}

// RecordFailure notes a failed invocation of the given failure type and
// applies the state transition it implies.
func (m *Monitor) RecordFailure(failureType string) error {
	h, err := m.store.GetHealth()
	if err != nil {
		return err
	}
	consecutive := h.ConsecutiveFailures + 1
	next := m.nextState(h.State, failureType, consecutive)
	if next != h.State {
		m.logger.Warn("Executor health state changed",
			slog.String("from", h.State),
			slog.String("to", next),
			slog.String("failure_type", failureType),
			slog.Int("consecutive", consecutive))
	}
	return m.store.RecordHealthFailure(next, failureType, consecutive, h.DailyInvocations+1)
}

// nextState maps a failure onto the state machine. Auth and daily-limit
// failures always win; rate limits only degrade a working executor;
// timeouts and generic errors park it once the consecutive threshold is
// crossed.
func (m *Monitor) nextState(current, failureType string, consecutive int) string {
	switch failureType {
	case FailureAuth:
		return store.HealthAuthFailed
	case FailureDaily:
		return store.HealthDailyLimitHit
	case FailureRateLimit:
		if current == store.HealthHealthy || current == store.HealthDegraded {
			return store.HealthDegraded
		}
		return current
	case FailureTimeout, FailureError:
		if consecutive >= m.consecutiveThreshold {
			return store.HealthUnavailable
		}
		return current
	default:
		return current
	}
}

// ManualReset forces the state back to HEALTHY. Used after an operator
// has re-authenticated or otherwise fixed the CLI.
func (m *Monitor) ManualReset() error {
	m.logger.Info("Executor health manually reset")
	return m.store.ManualResetHealth()
}

// Status is the full health record exposed over the API.
type Status struct {
	State               string  `json:"state"`
	LastSuccess         *string `json:"last_success"`
	LastFailure         *string `json:"last_failure"`
	LastFailureType     *string `json:"last_failure_type"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	DailyInvocations    int     `json:"daily_invocations"`
	DailyResetAt        *string `json:"daily_reset_at"`
	Available           bool    `json:"available"`
}

// FullStatus returns the health record after applying time-based
// recoveries.
func (m *Monitor) FullStatus() (*Status, error) {
	state, err := m.State()
	if err != nil {
		return nil, err
	}
	h, err := m.store.GetHealth()
	if err != nil {
		return nil, fmt.Errorf("failed to load health status: %w", err)
	}
	return &Status{
		State:               state,
		LastSuccess:         h.LastSuccess,
		LastFailure:         h.LastFailure,
		LastFailureType:     h.LastFailureType,
		ConsecutiveFailures: h.ConsecutiveFailures,
		DailyInvocations:    h.DailyInvocations,
		DailyResetAt:        h.DailyResetAt,
		Available:           state == store.HealthHealthy || state == store.HealthDegraded,
	}, nil
}
