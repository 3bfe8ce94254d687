package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

const sessionColumns = `id, caller_id, callee_id, type, state, rate_per_minute,
	started_at, accumulated_cost, last_tick_at, tick_seq, end_reason, created_at, updated_at`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.CallSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_sessions (
			id, caller_id, callee_id, type, state, rate_per_minute,
			started_at, accumulated_cost, last_tick_at, tick_seq, end_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.CallerID, s.CalleeID, s.Type, s.State, s.RatePerMinute,
		s.StartedAt, s.AccumulatedCost, s.LastTickAt, s.TickSeq, s.EndReason,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) Update(ctx context.Context, s *domain.CallSession) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET
			state = $1, rate_per_minute = $2, started_at = $3,
			accumulated_cost = $4, last_tick_at = $5, tick_seq = $6,
			end_reason = $7, updated_at = now()
		WHERE id = $8`,
		s.State, s.RatePerMinute, s.StartedAt,
		s.AccumulatedCost, s.LastTickAt, s.TickSeq,
		s.EndReason, s.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: %w", domain.ErrSessionNotFound)
	}
	return nil
}

// GetNonTerminal supports crash recovery: sessions left ringing or active by
// a previous process are force-ended on startup.
func (r *SessionRepository) GetNonTerminal(ctx context.Context) ([]domain.CallSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		WHERE state IN ('initiating', 'ringing', 'active') ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("GetNonTerminal: %w", err)
	}
	defer rows.Close()

	var sessions []domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("GetNonTerminal: scan: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetNonTerminal: rows: %w", err)
	}
	return sessions, nil
}

func scanSession(s scanner) (*domain.CallSession, error) {
	var c domain.CallSession
	err := s.Scan(
		&c.ID, &c.CallerID, &c.CalleeID, &c.Type, &c.State, &c.RatePerMinute,
		&c.StartedAt, &c.AccumulatedCost, &c.LastTickAt, &c.TickSeq, &c.EndReason,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
