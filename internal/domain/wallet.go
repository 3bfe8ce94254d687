package domain

import (
	"time"

	"github.com/google/uuid"
)

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

func (c Currency) IsValid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP:
		return true
	}
	return false
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusArchived WalletStatus = "archived"
)

// Wallet holds the materialized balance for one user. Balance is in integer
// minor units and is only ever written through a ledger transaction.
type Wallet struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Currency  Currency
	Balance   int64
	Version   int64
	Status    WalletStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
