// Package session owns the call-lifecycle state machine. All transitions go
// through the Tracker; the metering coordinator is its only writer, one
// worker goroutine per call, so session state needs no locking of its own.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

type sessionRepo interface {
	Create(ctx context.Context, s *domain.CallSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	Update(ctx context.Context, s *domain.CallSession) error
	GetNonTerminal(ctx context.Context) ([]domain.CallSession, error)
}

var validTransitions = map[domain.CallState][]domain.CallState{
	domain.CallStateInitiating: {domain.CallStateRinging, domain.CallStateFailed},
	domain.CallStateRinging:    {domain.CallStateActive, domain.CallStateDeclined, domain.CallStateMissed, domain.CallStateEnded, domain.CallStateFailed},
	domain.CallStateActive:     {domain.CallStateEnded, domain.CallStateFailed},
}

func canTransition(from, to domain.CallState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Tracker struct {
	sessions sessionRepo
}

func NewTracker(sessions sessionRepo) *Tracker {
	return &Tracker{sessions: sessions}
}

func (t *Tracker) Create(ctx context.Context, callerID, calleeID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	if callerID == calleeID {
		return nil, fmt.Errorf("Create: %w", domain.ErrSelfCall)
	}

	now := time.Now().UTC()
	s := &domain.CallSession{
		ID:        uuid.New(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      callType,
		State:     domain.CallStateInitiating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	return s, nil
}

func (t *Tracker) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	s, err := t.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return s, nil
}

func (t *Tracker) GetNonTerminal(ctx context.Context) ([]domain.CallSession, error) {
	sessions, err := t.sessions.GetNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetNonTerminal: %w", err)
	}
	return sessions, nil
}

func (t *Tracker) MarkRinging(ctx context.Context, s *domain.CallSession) error {
	return t.transition(ctx, s, domain.CallStateRinging, nil)
}

// Activate moves the call to active, capturing the rate snapshot and the
// metering baseline. The snapshot is what shields an in-progress call from
// rate reloads.
func (t *Tracker) Activate(ctx context.Context, s *domain.CallSession, ratePerMinute int64) error {
	if s.State != domain.CallStateRinging {
		return t.transitionError(s, domain.CallStateActive)
	}

	now := time.Now().UTC()
	s.State = domain.CallStateActive
	s.RatePerMinute = ratePerMinute
	s.StartedAt = &now
	s.LastTickAt = &now
	s.UpdatedAt = now
	if err := t.sessions.Update(ctx, s); err != nil {
		return fmt.Errorf("Activate: %w", err)
	}
	return nil
}

// ApplyTick records one committed billing tick: the active→active self-loop.
func (t *Tracker) ApplyTick(ctx context.Context, s *domain.CallSession, cost int64, tickedAt time.Time) error {
	if s.State != domain.CallStateActive {
		return fmt.Errorf("ApplyTick: state %s: %w", s.State, domain.ErrInvalidTransition)
	}

	s.AccumulatedCost += cost
	s.LastTickAt = &tickedAt
	s.TickSeq++
	s.UpdatedAt = time.Now().UTC()
	if err := t.sessions.Update(ctx, s); err != nil {
		return fmt.Errorf("ApplyTick: %w", err)
	}
	return nil
}

func (t *Tracker) Decline(ctx context.Context, s *domain.CallSession) error {
	return t.transition(ctx, s, domain.CallStateDeclined, nil)
}

func (t *Tracker) Miss(ctx context.Context, s *domain.CallSession) error {
	return t.transition(ctx, s, domain.CallStateMissed, nil)
}

func (t *Tracker) End(ctx context.Context, s *domain.CallSession, reason domain.EndReason) error {
	return t.transition(ctx, s, domain.CallStateEnded, &reason)
}

func (t *Tracker) Fail(ctx context.Context, s *domain.CallSession, reason domain.EndReason) error {
	return t.transition(ctx, s, domain.CallStateFailed, &reason)
}

func (t *Tracker) transition(ctx context.Context, s *domain.CallSession, to domain.CallState, reason *domain.EndReason) error {
	if err := t.check(s, to); err != nil {
		return err
	}

	s.State = to
	s.EndReason = reason
	s.UpdatedAt = time.Now().UTC()
	if err := t.sessions.Update(ctx, s); err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	return nil
}

func (t *Tracker) check(s *domain.CallSession, to domain.CallState) error {
	if s.State.IsTerminal() {
		return fmt.Errorf("transition %s -> %s: %w", s.State, to, domain.ErrSessionTerminal)
	}
	if !canTransition(s.State, to) {
		return t.transitionError(s, to)
	}
	return nil
}

func (t *Tracker) transitionError(s *domain.CallSession, to domain.CallState) error {
	return fmt.Errorf("transition %s -> %s for call %s: %w", s.State, to, s.ID, domain.ErrInvalidTransition)
}
