package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/ledger"
)

type rechargeEventRepo interface {
	GetPending(ctx context.Context, limit int) ([]domain.RechargeEvent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RechargeEventStatus) error
}

type rechargeLedger interface {
	AtomicAdjust(ctx context.Context, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
}

// RechargeProcessor applies stored payment-gateway webhooks to the ledger.
// The gateway's transaction id is the ledger idempotency key, so webhook
// redelivery (or a crash between apply and status update) credits a wallet
// exactly once.
type RechargeProcessor struct {
	events   rechargeEventRepo
	ledger   rechargeLedger
	logger   *slog.Logger
	interval time.Duration
}

func NewRechargeProcessor(events rechargeEventRepo, ledgerSvc rechargeLedger, logger *slog.Logger, interval time.Duration) *RechargeProcessor {
	return &RechargeProcessor{
		events:   events,
		ledger:   ledgerSvc,
		logger:   logger,
		interval: interval,
	}
}

func (p *RechargeProcessor) Start(ctx context.Context) {
	p.logger.Info("recharge processor started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recharge processor stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *RechargeProcessor) poll(ctx context.Context) {
	events, err := p.events.GetPending(ctx, 10)
	if err != nil {
		p.logger.Error("failed to fetch pending recharge events", "error", err)
		return
	}

	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error("failed to process recharge event",
				"recharge_event_id", event.ID,
				"external_transaction_id", event.ExternalTransactionID,
				"error", err,
			)
		}
	}
}

func (p *RechargeProcessor) processEvent(ctx context.Context, event domain.RechargeEvent) error {
	wallet, err := p.ledger.GetWalletByUserID(ctx, event.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			p.logger.Error("recharge for unknown wallet",
				"recharge_event_id", event.ID, "user_id", event.UserID)
			return p.events.UpdateStatus(ctx, event.ID, domain.RechargeEventStatusFailed)
		}
		return fmt.Errorf("processEvent: %w", err)
	}

	if wallet.Currency != event.Currency {
		p.logger.Error("recharge currency mismatch",
			"recharge_event_id", event.ID,
			"wallet_currency", wallet.Currency,
			"event_currency", event.Currency,
		)
		return p.events.UpdateStatus(ctx, event.ID, domain.RechargeEventStatusFailed)
	}

	result, err := p.ledger.AtomicAdjust(ctx, ledger.AdjustRequest{
		WalletID:       wallet.ID,
		Amount:         event.Amount,
		Type:           domain.TransactionTypeRecharge,
		IdempotencyKey: event.ExternalTransactionID,
	})
	if err != nil {
		return fmt.Errorf("processEvent: %w", err)
	}

	if result.Replayed {
		p.logger.Info("recharge already applied, marking processed",
			"recharge_event_id", event.ID,
			"external_transaction_id", event.ExternalTransactionID,
		)
	} else {
		p.logger.Info("recharge applied",
			"recharge_event_id", event.ID,
			"wallet_id", wallet.ID,
			"amount", event.Amount,
			"new_balance", result.NewBalance,
		)
	}

	return p.events.UpdateStatus(ctx, event.ID, domain.RechargeEventStatusApplied)
}
