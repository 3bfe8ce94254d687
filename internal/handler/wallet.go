package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/auth"
	"github.com/chatpay/billing-engine/internal/domain"
)

type walletService interface {
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
}

type transactionLister interface {
	GetByWalletID(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerTransaction, int, error)
}

type WalletHandler struct {
	wallets      walletService
	transactions transactionLister
}

func NewWalletHandler(wallets walletService, transactions transactionLister) *WalletHandler {
	return &WalletHandler{wallets: wallets, transactions: transactions}
}

type walletDTO struct {
	ID        uuid.UUID `json:"id"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type transactionDTO struct {
	ID            uuid.UUID  `json:"id"`
	Type          string     `json:"type"`
	Amount        int64      `json:"amount"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	CallID        *uuid.UUID `json:"call_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	wallet, err := h.wallets.GetWalletByUserID(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, walletDTO{
		ID:        wallet.ID,
		Currency:  string(wallet.Currency),
		Balance:   wallet.Balance,
		Status:    string(wallet.Status),
		UpdatedAt: wallet.UpdatedAt,
	})
}

func (h *WalletHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	wallet, err := h.wallets.GetWalletByUserID(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 1<<30)

	txs, total, err := h.transactions.GetByWalletID(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]transactionDTO, 0, len(txs))
	for _, t := range txs {
		dtos = append(dtos, transactionDTO{
			ID:            t.ID,
			Type:          string(t.Type),
			Amount:        t.Amount,
			BalanceBefore: t.BalanceBefore,
			BalanceAfter:  t.BalanceAfter,
			CallID:        t.CallID,
			Status:        string(t.Status),
			CreatedAt:     t.CreatedAt,
		})
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"transactions": dtos,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
