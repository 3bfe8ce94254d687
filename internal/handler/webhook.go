package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/logging"
)

type rechargeEventStore interface {
	Create(ctx context.Context, event *domain.RechargeEvent) error
}

// WebhookHandler receives recharge confirmations from the payment gateway.
// It only verifies and stores the event; the ledger credit happens in the
// recharge processor, keyed by the gateway's transaction id.
type WebhookHandler struct {
	recharges rechargeEventStore
	secret    string
}

func NewWebhookHandler(recharges rechargeEventStore, secret string) *WebhookHandler {
	return &WebhookHandler{recharges: recharges, secret: secret}
}

type rechargePayload struct {
	ExternalTransactionID string `json:"external_transaction_id"`
	UserID                string `json:"user_id"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Timestamp             string `json:"timestamp"`
}

func (p rechargePayload) validate() []FieldError {
	var errs []FieldError

	if p.ExternalTransactionID == "" {
		errs = append(errs, FieldError{Field: "external_transaction_id", Message: "required"})
	}

	if p.UserID == "" {
		errs = append(errs, FieldError{Field: "user_id", Message: "required"})
	} else if _, err := uuid.Parse(p.UserID); err != nil {
		errs = append(errs, FieldError{Field: "user_id", Message: "must be a valid UUID"})
	}

	if p.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	if !domain.Currency(p.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be USD, EUR, or GBP"})
	}

	return errs
}

func (h *WebhookHandler) ReceiveRecharge(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if !verifyHMAC(body, sig, h.secret) {
		log.Warn("webhook signature verification failed")
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	var payload rechargePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("failed to parse webhook payload", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := payload.validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	userID, _ := uuid.Parse(payload.UserID)
	event := &domain.RechargeEvent{
		ID:                    uuid.New(),
		ExternalTransactionID: payload.ExternalTransactionID,
		UserID:                userID,
		Amount:                payload.Amount,
		Currency:              domain.Currency(payload.Currency),
		Payload:               body,
		Status:                domain.RechargeEventStatusPending,
		CreatedAt:             time.Now().UTC(),
	}

	if err := h.recharges.Create(r.Context(), event); err != nil {
		if errors.Is(err, domain.ErrDuplicateRecharge) {
			log.Info("duplicate recharge webhook",
				"external_transaction_id", payload.ExternalTransactionID)
			RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
			return
		}
		log.Error("failed to store recharge event", "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	log.Info("recharge webhook stored",
		"recharge_event_id", event.ID,
		"external_transaction_id", payload.ExternalTransactionID,
		"user_id", payload.UserID,
		"amount", payload.Amount,
	)
	RespondSuccess(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
