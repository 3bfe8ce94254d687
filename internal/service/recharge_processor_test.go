package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/ledger"
	"github.com/chatpay/billing-engine/internal/repository"
	"github.com/chatpay/billing-engine/internal/testutil"
)

func setupRechargeTest(t *testing.T, db *sql.DB) (*RechargeProcessor, *repository.RechargeEventRepository) {
	t.Helper()

	ledgerSvc := ledger.NewService(
		repository.NewWalletRepository(db),
		repository.NewLedgerRepository(db),
		db,
	)
	eventRepo := repository.NewRechargeEventRepository(db)
	processor := NewRechargeProcessor(eventRepo, ledgerSvc, slog.Default(), time.Second)
	return processor, eventRepo
}

func insertRechargeEvent(t *testing.T, repo *repository.RechargeEventRepository, userID uuid.UUID, amount int64, currency domain.Currency) *domain.RechargeEvent {
	t.Helper()

	payload, _ := json.Marshal(map[string]any{"source": "test"})
	event := &domain.RechargeEvent{
		ID:                    uuid.New(),
		ExternalTransactionID: "ext-" + uuid.NewString(),
		UserID:                userID,
		Amount:                amount,
		Currency:              currency,
		Payload:               payload,
		Status:                domain.RechargeEventStatusPending,
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), event))
	return event
}

func getRechargeStatus(t *testing.T, db *sql.DB, id uuid.UUID) domain.RechargeEventStatus {
	t.Helper()
	var status domain.RechargeEventStatus
	err := db.QueryRow(`SELECT status FROM recharge_events WHERE id = $1`, id).Scan(&status)
	require.NoError(t, err)
	return status
}

func TestRechargeProcessor_AppliesPendingEvent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	processor, eventRepo := setupRechargeTest(t, db)

	userID := uuid.New()
	wallet := testutil.SeedWallet(t, db, userID, 100)
	event := insertRechargeEvent(t, eventRepo, userID, 500, domain.CurrencyUSD)

	require.NoError(t, processor.processEvent(ctx, *event))

	assert.Equal(t, int64(600), testutil.GetWalletBalance(t, db, wallet.ID))
	assert.Equal(t, domain.RechargeEventStatusApplied, getRechargeStatus(t, db, event.ID))
}

func TestRechargeProcessor_ReprocessingCreditsOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	processor, eventRepo := setupRechargeTest(t, db)

	userID := uuid.New()
	wallet := testutil.SeedWallet(t, db, userID, 0)
	event := insertRechargeEvent(t, eventRepo, userID, 500, domain.CurrencyUSD)

	// A crash between apply and status update means the event comes around
	// again. The external transaction id keeps the credit idempotent.
	require.NoError(t, processor.processEvent(ctx, *event))
	require.NoError(t, processor.processEvent(ctx, *event))

	assert.Equal(t, int64(500), testutil.GetWalletBalance(t, db, wallet.ID))
	assert.Equal(t, domain.RechargeEventStatusApplied, getRechargeStatus(t, db, event.ID))
}

func TestRechargeProcessor_UnknownWallet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	processor, eventRepo := setupRechargeTest(t, db)

	event := insertRechargeEvent(t, eventRepo, uuid.New(), 500, domain.CurrencyUSD)

	require.NoError(t, processor.processEvent(ctx, *event))
	assert.Equal(t, domain.RechargeEventStatusFailed, getRechargeStatus(t, db, event.ID))
}

func TestRechargeProcessor_CurrencyMismatch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	processor, eventRepo := setupRechargeTest(t, db)

	userID := uuid.New()
	wallet := testutil.SeedWallet(t, db, userID, 100)
	event := insertRechargeEvent(t, eventRepo, userID, 500, domain.CurrencyEUR)

	require.NoError(t, processor.processEvent(ctx, *event))

	assert.Equal(t, int64(100), testutil.GetWalletBalance(t, db, wallet.ID))
	assert.Equal(t, domain.RechargeEventStatusFailed, getRechargeStatus(t, db, event.ID))
}

func TestRechargeProcessor_PollDrainsPendingQueue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	processor, eventRepo := setupRechargeTest(t, db)

	userID := uuid.New()
	wallet := testutil.SeedWallet(t, db, userID, 0)
	first := insertRechargeEvent(t, eventRepo, userID, 200, domain.CurrencyUSD)
	second := insertRechargeEvent(t, eventRepo, userID, 300, domain.CurrencyUSD)

	processor.poll(ctx)

	assert.Equal(t, int64(500), testutil.GetWalletBalance(t, db, wallet.ID))
	assert.Equal(t, domain.RechargeEventStatusApplied, getRechargeStatus(t, db, first.ID))
	assert.Equal(t, domain.RechargeEventStatusApplied, getRechargeStatus(t, db, second.ID))

	pending, err := eventRepo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRechargeEventRepository_DuplicateExternalID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, eventRepo := setupRechargeTest(t, db)

	event := insertRechargeEvent(t, eventRepo, uuid.New(), 500, domain.CurrencyUSD)

	dup := *event
	dup.ID = uuid.New()
	err := eventRepo.Create(context.Background(), &dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateRecharge)
}
