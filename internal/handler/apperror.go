package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInsufficientBalance = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "Wallet balance is too low to start this call"}
	ErrWalletNotFound      = &AppError{http.StatusUnprocessableEntity, "WALLET_NOT_FOUND", "Wallet not found"}
	ErrWalletArchived      = &AppError{http.StatusUnprocessableEntity, "WALLET_ARCHIVED", "Wallet is archived"}
	ErrSelfCall            = &AppError{http.StatusUnprocessableEntity, "SELF_CALL_NOT_ALLOWED", "Cannot call yourself"}
	ErrCallNotFound        = &AppError{http.StatusNotFound, "CALL_NOT_FOUND", "Call not found"}
	ErrCallTerminal        = &AppError{http.StatusConflict, "CALL_ALREADY_ENDED", "Call is already in a terminal state"}
	ErrNotCallParticipant  = &AppError{http.StatusForbidden, "NOT_CALL_PARTICIPANT", "You are not a participant of this call"}
	ErrInvalidCallType     = &AppError{http.StatusBadRequest, "INVALID_CALL_TYPE", "Call type must be voice or video"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
	ErrInvalidSignature      = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
)
