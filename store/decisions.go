package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// InsertDecision stores a new decision row.
func (s *Store) InsertDecision(d *Decision) error {
	_, err := s.db.Exec(`
		INSERT INTO decisions(decision_id, entity_type, entity_id, action, status,
		                      token_hash, token_salt, expires_at, requested_at,
		                      requester, result_markdown)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.DecisionID, d.EntityType, d.EntityID, d.Action, d.Status,
		d.TokenHash, d.TokenSalt, d.ExpiresAt, d.RequestedAt,
		d.Requester, d.ResultMarkdown)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetDecision returns the decision with the given id, or nil if absent.
func (s *Store) GetDecision(decisionID string) (*Decision, error) {
	var d Decision
	err := s.db.Get(&d, `SELECT * FROM decisions WHERE decision_id=?`, decisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision %s: %w", decisionID, err)
	}
	return &d, nil
}

// SupersedePendingDecisions marks every pending decision for the same
// (entity, action) as superseded.
func (s *Store) SupersedePendingDecisions(entityType string, entityID int64, action string) error {
	_, err := s.db.Exec(`
		UPDATE decisions SET status=?, updated_at=?
		WHERE entity_type=? AND entity_id=? AND action=? AND status=?`,
		DecisionSuperseded, NowString(), entityType, entityID, action, DecisionPending)
	if err != nil {
		return fmt.Errorf("failed to supersede pending decisions: %w", err)
	}
	return nil
}

// PendingDecisionExists reports whether a pending decision exists for
// the given (entity, action).
func (s *Store) PendingDecisionExists(entityType string, entityID int64, action string) (bool, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM decisions
		WHERE entity_type=? AND entity_id=? AND action=? AND status=?`,
		entityType, entityID, action, DecisionPending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending decision: %w", err)
	}
	return count > 0, nil
}

// ResolveDecision records the outcome of a pending decision.
func (s *Store) ResolveDecision(decisionID, status string, deciderIP, deciderUA *string) error {
	now := NowString()
	_, err := s.db.Exec(`
		UPDATE decisions SET status=?, decided_at=?, decider_ip=?, decider_ua=?, updated_at=?
		WHERE decision_id=?`,
		status, now, deciderIP, deciderUA, now, decisionID)
	if err != nil {
		return fmt.Errorf("failed to resolve decision %s: %w", decisionID, err)
	}
	return nil
}

// MarkDecisionExpired flips a pending decision to expired.
func (s *Store) MarkDecisionExpired(decisionID string) error {
	_, err := s.db.Exec(`
		UPDATE decisions SET status=?, updated_at=? WHERE decision_id=? AND status=?`,
		DecisionExpired, NowString(), decisionID, DecisionPending)
	if err != nil {
		return fmt.Errorf("failed to expire decision %s: %w", decisionID, err)
	}
	return nil
}

// ListPendingDecisions lists pending decisions, newest request first.
func (s *Store) ListPendingDecisions() ([]Decision, error) {
	var decisions []Decision
	err := s.db.Select(&decisions, `
		SELECT * FROM decisions WHERE status=? ORDER BY requested_at DESC`, DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending decisions: %w", err)
	}
	return decisions, nil
}
