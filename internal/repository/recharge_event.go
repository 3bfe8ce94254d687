package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

const rechargeEventColumns = `id, external_transaction_id, user_id, amount, currency,
	payload, status, created_at`

type RechargeEventRepository struct {
	db *sql.DB
}

func NewRechargeEventRepository(db *sql.DB) *RechargeEventRepository {
	return &RechargeEventRepository{db: db}
}

func (r *RechargeEventRepository) Create(ctx context.Context, e *domain.RechargeEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recharge_events (
			id, external_transaction_id, user_id, amount, currency,
			payload, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ExternalTransactionID, e.UserID, e.Amount, e.Currency,
		e.Payload, e.Status, e.CreatedAt,
	)
	if err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateRecharge)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *RechargeEventRepository) GetPending(ctx context.Context, limit int) ([]domain.RechargeEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+rechargeEventColumns+` FROM recharge_events
		WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("GetPending: %w", err)
	}
	defer rows.Close()

	var events []domain.RechargeEvent
	for rows.Next() {
		e, err := scanRechargeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetPending: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetPending: rows: %w", err)
	}
	return events, nil
}

func (r *RechargeEventRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RechargeEventStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE recharge_events SET status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return nil
}

func scanRechargeEvent(s scanner) (*domain.RechargeEvent, error) {
	var e domain.RechargeEvent
	err := s.Scan(
		&e.ID, &e.ExternalTransactionID, &e.UserID, &e.Amount, &e.Currency,
		&e.Payload, &e.Status, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
