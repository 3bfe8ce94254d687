package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

func SeedWallet(t *testing.T, db *sql.DB, userID uuid.UUID, balance int64) *domain.Wallet {
	t.Helper()

	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  domain.CurrencyUSD,
		Balance:   balance,
		Status:    domain.WalletStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.Exec(
		`INSERT INTO wallets (id, user_id, currency, balance, version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.Currency, w.Balance, w.Version, w.Status, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	// The opening balance gets a ledger row so replay verification chains
	// from zero the way a real wallet's history does.
	if balance != 0 {
		_, err = db.Exec(
			`INSERT INTO ledger_transactions (
				id, idempotency_key, wallet_id, type, amount,
				balance_before, balance_after, status, created_at
			) VALUES ($1, $2, $3, 'recharge', $4, 0, $4, 'committed', $5)`,
			uuid.New(), "seed:"+w.ID.String(), w.ID, balance, now,
		)
		if err != nil {
			t.Fatalf("seed opening ledger row: %v", err)
		}
	}
	return w
}

func GetWalletBalance(t *testing.T, db *sql.DB, walletID uuid.UUID) int64 {
	t.Helper()

	var balance int64
	if err := db.QueryRow(`SELECT balance FROM wallets WHERE id = $1`, walletID).Scan(&balance); err != nil {
		t.Fatalf("get wallet balance: %v", err)
	}
	return balance
}

func CountTransactions(t *testing.T, db *sql.DB, walletID uuid.UUID, status domain.TransactionStatus) int {
	t.Helper()

	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM ledger_transactions WHERE wallet_id = $1 AND status = $2`,
		walletID, status,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	return n
}

func CountDeductions(t *testing.T, db *sql.DB, walletID uuid.UUID, status domain.TransactionStatus) int {
	t.Helper()

	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM ledger_transactions
		 WHERE wallet_id = $1 AND type = 'call_deduction' AND status = $2`,
		walletID, status,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count deductions: %v", err)
	}
	return n
}
