package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionTypeRecharge      TransactionType = "recharge"
	TransactionTypeCallDeduction TransactionType = "call_deduction"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypeReversal      TransactionType = "reversal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCommitted TransactionStatus = "committed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// LedgerTransaction is append-only: rows are never updated or deleted after
// commit. Failed deduction attempts are recorded too, with the balance
// unchanged, so the audit trail covers rejections.
type LedgerTransaction struct {
	ID             uuid.UUID
	IdempotencyKey string
	WalletID       uuid.UUID
	Type           TransactionType
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	CallID         *uuid.UUID
	Status         TransactionStatus
	CreatedAt      time.Time
}
