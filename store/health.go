package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Health states for the premium CLI executor.
const (
	HealthHealthy       = "HEALTHY"
	HealthDegraded      = "DEGRADED"
	HealthAuthFailed    = "AUTH_FAILED"
	HealthDailyLimitHit = "DAILY_LIMIT_HIT"
	HealthUnavailable   = "UNAVAILABLE"
)

// GetHealth returns the singleton health row, creating it if missing.
func (s *Store) GetHealth() (*HealthRow, error) {
	var h HealthRow
	err := s.db.Get(&h, `SELECT * FROM claude_health WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		reset := FormatTime(NextMidnightUTC(UTCNow()))
		_, err = s.db.Exec(`
			INSERT INTO claude_health(id, state, daily_reset_at, updated_at) VALUES(1,?,?,?)`,
			HealthHealthy, reset, NowString())
		if err != nil {
			return nil, fmt.Errorf("failed to seed health row: %w", err)
		}
		return s.GetHealth()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load health row: %w", err)
	}
	return &h, nil
}

// RecordHealthSuccess stores a successful invocation.
func (s *Store) RecordHealthSuccess(dailyInvocations int) error {
	now := NowString()
	_, err := s.db.Exec(`
		UPDATE claude_health
		SET state=?, last_success=?, consecutive_failures=0, daily_invocations=?, updated_at=?
		WHERE id=1`,
		HealthHealthy, now, dailyInvocations, now)
	if err != nil {
		return fmt.Errorf("failed to record health success: %w", err)
	}
	return nil
}

// RecordHealthFailure stores a failed invocation and the resulting state.
func (s *Store) RecordHealthFailure(state, failureType string, consecutive, dailyInvocations int) error {
	now := NowString()
	_, err := s.db.Exec(`
		UPDATE claude_health
		SET state=?, last_failure=?, last_failure_type=?, consecutive_failures=?, daily_invocations=?, updated_at=?
		WHERE id=1`,
		state, now, failureType, consecutive, dailyInvocations, now)
	if err != nil {
		return fmt.Errorf("failed to record health failure: %w", err)
	}
	return nil
}

// ResetHealthDaily clears daily counters and schedules the next reset.
func (s *Store) ResetHealthDaily(nextResetAt string) error {
	_, err := s.db.Exec(`
		UPDATE claude_health
		SET state=?, daily_invocations=0, daily_reset_at=?, consecutive_failures=0, updated_at=?
		WHERE id=1`,
		HealthHealthy, nextResetAt, NowString())
	if err != nil {
		return fmt.Errorf("failed to reset daily health counters: %w", err)
	}
	return nil
}

// RollDailyWindow zeroes the daily invocation counter and advances the
// reset marker without changing the state.
func (s *Store) RollDailyWindow(nextResetAt string) error {
	_, err := s.db.Exec(`
		UPDATE claude_health SET daily_invocations=0, daily_reset_at=?, updated_at=? WHERE id=1`,
		nextResetAt, NowString())
	if err != nil {
		return fmt.Errorf("failed to roll daily window: %w", err)
	}
	return nil
}

// RecoverHealth returns the state to HEALTHY and clears the consecutive
// counter (cooldown recovery).
func (s *Store) RecoverHealth() error {
	_, err := s.db.Exec(`
		UPDATE claude_health SET state=?, consecutive_failures=0, updated_at=? WHERE id=1`,
		HealthHealthy, NowString())
	if err != nil {
		return fmt.Errorf("failed to recover health state: %w", err)
	}
	return nil
}

// ManualResetHealth forces HEALTHY and clears the failure type (operator
// action after re-authenticating the CLI).
func (s *Store) ManualResetHealth() error {
	_, err := s.db.Exec(`
		UPDATE claude_health
		SET state=?, consecutive_failures=0, last_failure_type=NULL, updated_at=?
		WHERE id=1`,
		HealthHealthy, NowString())
	if err != nil {
		return fmt.Errorf("failed to manually reset health: %w", err)
	}
	return nil
}
