package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/auth"
	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/logging"
)

type callCoordinator interface {
	InitiateCall(ctx context.Context, callerID, calleeID uuid.UUID, callType domain.CallType) (*domain.CallSession, error)
	Accept(callID, by uuid.UUID) error
	Decline(callID, by uuid.UUID) error
	Hangup(callID, by uuid.UUID) error
}

type sessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
}

type CallHandler struct {
	coordinator callCoordinator
	sessions    sessionReader
}

func NewCallHandler(coordinator callCoordinator, sessions sessionReader) *CallHandler {
	return &CallHandler{coordinator: coordinator, sessions: sessions}
}

type initiateCallRequest struct {
	CalleeID string `json:"callee_id"`
	Type     string `json:"type"`
}

func (r initiateCallRequest) Validate() []FieldError {
	var errs []FieldError

	if r.CalleeID == "" {
		errs = append(errs, FieldError{Field: "callee_id", Message: "required"})
	} else if _, err := uuid.Parse(r.CalleeID); err != nil {
		errs = append(errs, FieldError{Field: "callee_id", Message: "must be a valid UUID"})
	}

	if r.Type == "" {
		errs = append(errs, FieldError{Field: "type", Message: "required"})
	} else if !domain.CallType(r.Type).IsValid() {
		errs = append(errs, FieldError{Field: "type", Message: "must be voice or video"})
	}

	return errs
}

type callDTO struct {
	ID              uuid.UUID  `json:"id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	CalleeID        uuid.UUID  `json:"callee_id"`
	Type            string     `json:"type"`
	State           string     `json:"state"`
	RatePerMinute   int64      `json:"rate_per_minute"`
	StartedAt       *time.Time `json:"started_at"`
	AccumulatedCost int64      `json:"accumulated_cost"`
	EndReason       *string    `json:"end_reason"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toCallDTO(s *domain.CallSession) callDTO {
	var reason *string
	if s.EndReason != nil {
		r := string(*s.EndReason)
		reason = &r
	}
	return callDTO{
		ID:              s.ID,
		CallerID:        s.CallerID,
		CalleeID:        s.CalleeID,
		Type:            string(s.Type),
		State:           string(s.State),
		RatePerMinute:   s.RatePerMinute,
		StartedAt:       s.StartedAt,
		AccumulatedCost: s.AccumulatedCost,
		EndReason:       reason,
		CreatedAt:       s.CreatedAt,
	}
}

func (h *CallHandler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req initiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	calleeID, _ := uuid.Parse(req.CalleeID)
	s, err := h.coordinator.InitiateCall(r.Context(), userID, calleeID, domain.CallType(req.Type))
	if err != nil {
		// A pre-flight rejection still created a session the client can
		// inspect for its end reason.
		if errors.Is(err, domain.ErrInsufficientFunds) && s != nil {
			RespondJSON(w, ErrInsufficientBalance.Status, APIResponse{
				Success: false,
				Data:    toCallDTO(s),
				Error: &APIError{
					Code:    ErrInsufficientBalance.Code,
					Message: ErrInsufficientBalance.Message,
				},
			})
			return
		}
		RespondDomainError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("call initiated",
		"call_id", s.ID, "caller_id", userID, "callee_id", calleeID, "type", req.Type)
	RespondSuccess(w, http.StatusCreated, toCallDTO(s))
}

func (h *CallHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, func(s *domain.CallSession, userID uuid.UUID) error {
		if s.CalleeID != userID {
			return domain.ErrNotCallParticipant
		}
		return h.coordinator.Accept(s.ID, userID)
	})
}

func (h *CallHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, func(s *domain.CallSession, userID uuid.UUID) error {
		if s.CalleeID != userID {
			return domain.ErrNotCallParticipant
		}
		return h.coordinator.Decline(s.ID, userID)
	})
}

func (h *CallHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, func(s *domain.CallSession, userID uuid.UUID) error {
		if !s.Participant(userID) {
			return domain.ErrNotCallParticipant
		}
		return h.coordinator.Hangup(s.ID, userID)
	})
}

func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	callID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrCallNotFound, nil)
		return
	}

	s, err := h.sessions.GetByID(r.Context(), callID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	if !s.Participant(userID) {
		RespondAppError(w, ErrCallNotFound, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, toCallDTO(s))
}

func (h *CallHandler) signal(w http.ResponseWriter, r *http.Request, do func(s *domain.CallSession, userID uuid.UUID) error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	callID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrCallNotFound, nil)
		return
	}

	s, err := h.sessions.GetByID(r.Context(), callID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	if err := do(s, userID); err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
