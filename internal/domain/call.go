package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) IsValid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

type CallState string

const (
	CallStateInitiating CallState = "initiating"
	CallStateRinging    CallState = "ringing"
	CallStateActive     CallState = "active"
	CallStateEnded      CallState = "ended"
	CallStateDeclined   CallState = "declined"
	CallStateMissed     CallState = "missed"
	CallStateFailed     CallState = "failed"
)

func (s CallState) IsTerminal() bool {
	switch s {
	case CallStateEnded, CallStateDeclined, CallStateMissed, CallStateFailed:
		return true
	}
	return false
}

type EndReason string

const (
	EndReasonCompleted           EndReason = "completed"
	EndReasonInsufficientBalance EndReason = "insufficient_balance"
	EndReasonCancelled           EndReason = "cancelled"
	EndReasonBillingFailure      EndReason = "billing_failure"
)

// CallSession tracks one call attempt from initiation to a terminal state.
// RatePerMinute is the snapshot captured when the call went active; rate
// reloads never reprice a call in progress. AccumulatedCost must equal the
// sum of committed call_deduction ledger rows for this call.
type CallSession struct {
	ID              uuid.UUID
	CallerID        uuid.UUID
	CalleeID        uuid.UUID
	Type            CallType
	State           CallState
	RatePerMinute   int64
	StartedAt       *time.Time
	AccumulatedCost int64
	LastTickAt      *time.Time
	TickSeq         int64
	EndReason       *EndReason
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *CallSession) Participant(userID uuid.UUID) bool {
	return s.CallerID == userID || s.CalleeID == userID
}
