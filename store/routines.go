package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateRoutine inserts a routine.
func (s *Store) CreateRoutine(r *Routine) error {
	now := NowString()
	_, err := s.db.Exec(`
		INSERT INTO routines(id, name, kind, is_enabled, agent_id, claim_unassigned, description, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, r.Kind, r.IsEnabled, r.AgentID, r.ClaimUnassigned, r.Description, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert routine: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// GetRoutine returns the routine with the given id, or nil if absent.
func (s *Store) GetRoutine(id string) (*Routine, error) {
	var r Routine
	err := s.db.Get(&r, `SELECT * FROM routines WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routine %s: %w", id, err)
	}
	return &r, nil
}

// RoutineKindExists reports whether any routine of the given kind exists.
func (s *Store) RoutineKindExists(kind string) (bool, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM routines WHERE kind=?`, kind); err != nil {
		return false, fmt.Errorf("failed to check routine kind %s: %w", kind, err)
	}
	return count > 0, nil
}

// ListEnabledRoutines lists enabled routines, most recently updated first.
func (s *Store) ListEnabledRoutines() ([]Routine, error) {
	var routines []Routine
	err := s.db.Select(&routines, `
		SELECT * FROM routines WHERE is_enabled=1 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled routines: %w", err)
	}
	return routines, nil
}

// SetRoutineEnabled toggles a routine.
func (s *Store) SetRoutineEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE routines SET is_enabled=?, updated_at=? WHERE id=?`, enabled, NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle routine %s: %w", id, err)
	}
	return nil
}

// DeleteRoutine removes a routine and its KV state.
func (s *Store) DeleteRoutine(id string) error {
	if _, err := s.db.Exec(`DELETE FROM routine_state WHERE routine_id=?`, id); err != nil {
		return fmt.Errorf("failed to delete routine state %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM routines WHERE id=?`, id); err != nil {
		return fmt.Errorf("failed to delete routine %s: %w", id, err)
	}
	return nil
}

// GetRoutineState reads one KV value for a routine, returning def when
// the key is absent.
func (s *Store) GetRoutineState(routineID, key, def string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM routine_state WHERE routine_id=? AND key=?`, routineID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read routine state %s/%s: %w", routineID, key, err)
	}
	if value == "" {
		return def, nil
	}
	return value, nil
}

// SetRoutineState upserts one KV value for a routine.
func (s *Store) SetRoutineState(routineID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO routine_state(routine_id, key, value, updated_at)
		VALUES(?,?,?,?)`,
		routineID, key, value, NowString())
	if err != nil {
		return fmt.Errorf("failed to write routine state %s/%s: %w", routineID, key, err)
	}
	return nil
}
