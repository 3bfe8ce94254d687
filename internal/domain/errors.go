package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletArchived     = errors.New("wallet archived")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrSessionNotFound    = errors.New("call session not found")
	ErrInvalidTransition  = errors.New("invalid call state transition")
	ErrSessionTerminal    = errors.New("call session already in terminal state")
	ErrInvalidAmount      = errors.New("invalid amount for transaction type")
	ErrInvalidRate        = errors.New("invalid rate configuration")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSelfCall           = errors.New("cannot call yourself")
	ErrCurrencyMismatch   = errors.New("currency mismatch")
	ErrVersionConflict    = errors.New("optimistic lock conflict")
	ErrDuplicateRecharge  = errors.New("recharge already received")
	ErrNotCallParticipant = errors.New("not a participant of this call")
)

// InsufficientFundsError carries the balance observed when a deduction was
// rejected, so the coordinator can log and publish it without a re-read.
type InsufficientFundsError struct {
	CurrentBalance int64
	Requested      int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, requested %d", e.CurrentBalance, e.Requested)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
