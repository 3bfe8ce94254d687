// Package ledger owns every mutation of a wallet balance. Balances change
// only through AtomicAdjust, which appends a ledger transaction and updates
// the materialized balance in one database transaction under a row lock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/logging"
)

type walletRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, tx *sql.Tx, id uuid.UUID, newBalance, newVersion int64) error
}

type ledgerRepo interface {
	Create(ctx context.Context, tx *sql.Tx, t *domain.LedgerTransaction) error
	GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, walletID uuid.UUID, key string) (*domain.LedgerTransaction, error)
	GetCommittedByWalletID(ctx context.Context, walletID uuid.UUID) ([]domain.LedgerTransaction, error)
}

type Service struct {
	wallets walletRepo
	ledger  ledgerRepo
	db      *sql.DB
}

func NewService(wallets walletRepo, ledger ledgerRepo, db *sql.DB) *Service {
	return &Service{wallets: wallets, ledger: ledger, db: db}
}

type AdjustRequest struct {
	WalletID       uuid.UUID
	Amount         int64
	Type           domain.TransactionType
	CallID         *uuid.UUID
	IdempotencyKey string
}

type AdjustResult struct {
	Transaction *domain.LedgerTransaction
	NewBalance  int64
	// Replayed is true when the idempotency key matched a previously
	// committed transaction and no new effect was applied.
	Replayed bool
}

// AtomicAdjust applies one signed balance change. Concurrent adjustments on
// the same wallet serialize on the row lock, so the balance can never be
// driven below zero by a race. Insufficient funds is an expected outcome:
// the attempt is still recorded as a failed ledger row and the caller gets
// a typed InsufficientFundsError.
func (s *Service) AtomicAdjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	if err := validateAmount(req.Type, req.Amount); err != nil {
		return nil, fmt.Errorf("AtomicAdjust: %w", err)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("AtomicAdjust: empty idempotency key: %w", domain.ErrInvalidRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("AtomicAdjust: begin tx: %w", err)
	}
	defer tx.Rollback()

	wallet, err := s.wallets.GetForUpdate(ctx, tx, req.WalletID)
	if err != nil {
		return nil, fmt.Errorf("AtomicAdjust: %w", err)
	}
	if wallet.Status != domain.WalletStatusActive {
		return nil, fmt.Errorf("AtomicAdjust: %w", domain.ErrWalletArchived)
	}

	prior, err := s.ledger.GetByIdempotencyKey(ctx, tx, wallet.ID, req.IdempotencyKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("AtomicAdjust: %w", err)
	}
	if prior != nil {
		if prior.Status == domain.TransactionStatusCommitted {
			return &AdjustResult{Transaction: prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
		}
		// A prior attempt with this key was rejected for insufficient
		// funds. Replaying it yields the same outcome, not a re-check.
		return nil, fmt.Errorf("AtomicAdjust: %w", &domain.InsufficientFundsError{
			CurrentBalance: prior.BalanceBefore,
			Requested:      -prior.Amount,
		})
	}

	now := time.Now().UTC()
	record := &domain.LedgerTransaction{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		WalletID:       wallet.ID,
		Type:           req.Type,
		Amount:         req.Amount,
		BalanceBefore:  wallet.Balance,
		CallID:         req.CallID,
		CreatedAt:      now,
	}

	newBalance := wallet.Balance + req.Amount
	if newBalance < 0 {
		// Record the rejection for audit and commit it; the balance stays
		// untouched.
		record.BalanceAfter = wallet.Balance
		record.Status = domain.TransactionStatusFailed
		if err := s.ledger.Create(ctx, tx, record); err != nil {
			return nil, fmt.Errorf("AtomicAdjust: record failed attempt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("AtomicAdjust: commit failed attempt: %w", err)
		}
		return nil, fmt.Errorf("AtomicAdjust: %w", &domain.InsufficientFundsError{
			CurrentBalance: wallet.Balance,
			Requested:      -req.Amount,
		})
	}

	record.BalanceAfter = newBalance
	record.Status = domain.TransactionStatusCommitted
	if err := s.ledger.Create(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("AtomicAdjust: append transaction: %w", err)
	}
	if err := s.wallets.UpdateBalance(ctx, tx, wallet.ID, newBalance, wallet.Version+1); err != nil {
		return nil, fmt.Errorf("AtomicAdjust: update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("AtomicAdjust: commit: %w", err)
	}

	return &AdjustResult{Transaction: record, NewBalance: newBalance}, nil
}

func (s *Service) GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	w, err := s.wallets.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("GetWalletByUserID: %w", err)
	}
	return w, nil
}

func (s *Service) GetWalletByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	w, err := s.wallets.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetWalletByID: %w", err)
	}
	return w, nil
}

// VerifyWallet replays all committed transactions for a wallet and checks
// that they chain correctly and reproduce the materialized balance.
func (s *Service) VerifyWallet(ctx context.Context, walletID uuid.UUID) error {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return fmt.Errorf("VerifyWallet: %w", err)
	}

	txs, err := s.ledger.GetCommittedByWalletID(ctx, walletID)
	if err != nil {
		return fmt.Errorf("VerifyWallet: %w", err)
	}

	var balance int64
	for _, t := range txs {
		if t.BalanceBefore != balance {
			return fmt.Errorf("VerifyWallet: transaction %s expects balance_before %d, replay has %d",
				t.ID, t.BalanceBefore, balance)
		}
		balance += t.Amount
		if t.BalanceAfter != balance {
			return fmt.Errorf("VerifyWallet: transaction %s records balance_after %d, replay has %d",
				t.ID, t.BalanceAfter, balance)
		}
	}

	if balance != wallet.Balance {
		return fmt.Errorf("VerifyWallet: replayed balance %d does not match materialized %d",
			balance, wallet.Balance)
	}

	logging.FromContext(ctx).Debug("wallet ledger verified",
		"wallet_id", walletID, "transactions", len(txs), "balance", balance)
	return nil
}

func validateAmount(t domain.TransactionType, amount int64) error {
	switch t {
	case domain.TransactionTypeCallDeduction:
		if amount > 0 {
			return fmt.Errorf("call deduction must not be positive: %w", domain.ErrInvalidAmount)
		}
	case domain.TransactionTypeRecharge, domain.TransactionTypeRefund:
		if amount < 0 {
			return fmt.Errorf("%s must not be negative: %w", t, domain.ErrInvalidAmount)
		}
	case domain.TransactionTypeReversal:
		// Reversals may carry either sign.
	default:
		return fmt.Errorf("unknown transaction type %q: %w", t, domain.ErrInvalidRequest)
	}
	return nil
}
