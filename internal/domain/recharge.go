package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RechargeEventStatus string

const (
	RechargeEventStatusPending RechargeEventStatus = "pending"
	RechargeEventStatusApplied RechargeEventStatus = "applied"
	RechargeEventStatusFailed  RechargeEventStatus = "failed"
)

// RechargeEvent stores one payment-gateway webhook delivery. The external
// transaction id doubles as the ledger idempotency key, so webhook
// redelivery can never credit a wallet twice.
type RechargeEvent struct {
	ID                    uuid.UUID
	ExternalTransactionID string
	UserID                uuid.UUID
	Amount                int64
	Currency              Currency
	Payload               json.RawMessage
	Status                RechargeEventStatus
	CreatedAt             time.Time
}
