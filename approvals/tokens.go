// Package approvals issues and redeems single-use decision tokens that
// gate critical task transitions via out-of-band confirmation.
package approvals

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw/zeroclaw/store"
)

// Verification failures. Handlers fold all of them into a 403.
var (
	ErrNotFound   = errors.New("decision not found")
	ErrNotPending = errors.New("decision is not pending")
	ErrExpired    = errors.New("decision expired")
	ErrBadToken   = errors.New("token mismatch")
)

// Action tags.
const ActionStartTask = "start_task"

// Service creates, verifies and applies decisions.
type Service struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an approvals service with the given decision TTL.
func NewService(st *store.Store, ttl time.Duration, opts ...Option) *Service {
	s := &Service{store: st, ttl: ttl, logger: slog.Default(), now: store.UTCNow}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new pending decision for (entity, action) and returns
// the decision id together with the plaintext token. The token is never
// stored; any previously pending decision for the same target is
// superseded.
func (s *Service) Create(entityType string, entityID int64, action, requester string) (string, string, error) {
	if err := s.store.SupersedePendingDecisions(entityType, entityID, action); err != nil {
		return "", "", err
	}

	token, err := randomHex(32)
	if err != nil {
		return "", "", err
	}
	salt, err := randomHex(16)
	if err != nil {
		return "", "", err
	}

	decisionID := uuid.NewString()
	now := s.now()
	expires := store.FormatTime(now.Add(s.ttl))
	d := &store.Decision{
		DecisionID:  decisionID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Status:      store.DecisionPending,
		TokenHash:   hashToken(salt, token),
		TokenSalt:   salt,
		ExpiresAt:   &expires,
		RequestedAt: store.FormatTime(now),
		Requester:   requester,
	}
	if err := s.store.InsertDecision(d); err != nil {
		return "", "", err
	}

	s.logger.Info("Decision created",
		slog.String("decision_id", decisionID),
		slog.String("entity_type", entityType),
		slog.Int64("entity_id", entityID),
		slog.String("action", action))
	return decisionID, token, nil
}

// Verify checks that the decision is pending, unexpired, and that the
// presented token matches the stored hash. The hash comparison is
// constant-time.
func (s *Service) Verify(decisionID, token string) (*store.Decision, error) {
	d, err := s.store.GetDecision(decisionID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if d.Status != store.DecisionPending {
		return nil, ErrNotPending
	}
	if d.ExpiresAt != nil {
		expiresAt, perr := store.ParseTime(*d.ExpiresAt)
		if perr == nil && !s.now().Before(expiresAt) {
			_ = s.store.MarkDecisionExpired(decisionID)
			return nil, ErrExpired
		}
	}

	expected := []byte(d.TokenHash)
	got := []byte(hashToken(d.TokenSalt, token))
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return nil, ErrBadToken
	}
	return d, nil
}

// Apply performs the one-shot transition: the decision flips to
// approved or rejected, and the target entity follows. Callers must
// Verify first.
func (s *Service) Apply(d *store.Decision, approve bool, deciderIP, deciderUA string) error {
	status := store.DecisionApproved
	if !approve {
		status = store.DecisionRejected
	}

	var ip, ua *string
	if deciderIP != "" {
		ip = &deciderIP
	}
	if deciderUA != "" {
		ua = &deciderUA
	}
	if err := s.store.ResolveDecision(d.DecisionID, status, ip, ua); err != nil {
		return err
	}

	if d.EntityType == "task" && d.Action == ActionStartTask {
		task, err := s.store.GetTask(d.EntityID)
		if err != nil {
			return err
		}
		if task == nil || task.Status != store.StatusPending {
			return nil
		}
		next := store.StatusApproved
		if !approve {
			next = store.StatusRejected
		}
		if err := s.store.UpdateTaskStatus(d.EntityID, next); err != nil {
			return err
		}
	}

	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	entityID := fmt.Sprintf("%d", d.EntityID)
	_ = s.store.AppendActionLog(&store.ActionLogEntry{
		Actor:      "approver",
		Action:     "decision_" + verb,
		EntityType: d.EntityType,
		EntityID:   &entityID,
		Detail:     fmt.Sprintf("decision %s %s", d.DecisionID, verb),
	})
	s.logger.Info("Decision applied",
		slog.String("decision_id", d.DecisionID),
		slog.Bool("approved", approve))
	return nil
}

func hashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
