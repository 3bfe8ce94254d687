package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

const transactionColumns = `id, idempotency_key, wallet_id, type, amount,
	balance_before, balance_after, call_id, status, created_at`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *sql.Tx, t *domain.LedgerTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (
			id, idempotency_key, wallet_id, type, amount,
			balance_before, balance_after, call_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.IdempotencyKey, t.WalletID, t.Type, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.CallID, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// GetByIdempotencyKey looks up a prior attempt inside the same transaction
// that holds the wallet lock, so a replayed key always observes the
// committed outcome it raced with.
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, walletID uuid.UUID, key string) (*domain.LedgerTransaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", err)
	}
	return t, nil
}

func (r *LedgerRepository) GetByWalletID(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerTransaction, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE wallet_id = $1`, walletID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		walletID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: %w", err)
	}
	defer rows.Close()

	var txs []domain.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("GetByWalletID: scan: %w", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: rows: %w", err)
	}
	return txs, total, nil
}

// GetCommittedByWalletID returns committed rows in apply order, for
// replaying the ledger against the materialized balance. The seq column is
// assigned under the wallet row lock, so it is exact where created_at could
// tie within a microsecond.
func (r *LedgerRepository) GetCommittedByWalletID(ctx context.Context, walletID uuid.UUID) ([]domain.LedgerTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE wallet_id = $1 AND status = 'committed' ORDER BY seq`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetCommittedByWalletID: %w", err)
	}
	defer rows.Close()

	var txs []domain.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("GetCommittedByWalletID: scan: %w", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetCommittedByWalletID: rows: %w", err)
	}
	return txs, nil
}

func (r *LedgerRepository) SumCommittedDeductionsByCallID(ctx context.Context, callID uuid.UUID) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(-amount), 0) FROM ledger_transactions
		WHERE call_id = $1 AND type = 'call_deduction' AND status = 'committed'`,
		callID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("SumCommittedDeductionsByCallID: %w", err)
	}
	return sum, nil
}

func scanTransaction(s scanner) (*domain.LedgerTransaction, error) {
	var t domain.LedgerTransaction
	err := s.Scan(
		&t.ID, &t.IdempotencyKey, &t.WalletID, &t.Type, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.CallID, &t.Status, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
