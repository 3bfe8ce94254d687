package metering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/ledger"
	"github.com/chatpay/billing-engine/internal/session"
)

// The fakes below keep every invariant the real ledger enforces: serialized
// adjustments, idempotent replay, failed rows for rejected attempts. Rates
// are chosen so one tick always costs exactly one minor unit, which makes
// billing totals deterministic regardless of scheduler jitter.

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]domain.CallSession
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[uuid.UUID]domain.CallSession)}
}

func (r *memorySessionRepo) Create(_ context.Context, s *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memorySessionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &s, nil
}

func (r *memorySessionRepo) Update(_ context.Context, s *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	r.sessions[s.ID] = *s
	return nil
}

func (r *memorySessionRepo) GetNonTerminal(_ context.Context) ([]domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallSession
	for _, s := range r.sessions {
		if !s.State.IsTerminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	wallet    domain.Wallet
	byKey     map[string]*domain.LedgerTransaction
	committed []domain.LedgerTransaction
	failed    int
}

func newFakeLedger(userID uuid.UUID, balance int64) *fakeLedger {
	return &fakeLedger{
		wallet: domain.Wallet{
			ID:       uuid.New(),
			UserID:   userID,
			Currency: domain.CurrencyUSD,
			Balance:  balance,
			Status:   domain.WalletStatusActive,
		},
		byKey: make(map[string]*domain.LedgerTransaction),
	}
}

func (f *fakeLedger) AtomicAdjust(_ context.Context, req ledger.AdjustRequest) (*ledger.AdjustResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prior, ok := f.byKey[req.IdempotencyKey]; ok {
		if prior.Status == domain.TransactionStatusCommitted {
			return &ledger.AdjustResult{Transaction: prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
		}
		return nil, &domain.InsufficientFundsError{CurrentBalance: prior.BalanceBefore, Requested: -prior.Amount}
	}

	record := &domain.LedgerTransaction{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		WalletID:       f.wallet.ID,
		Type:           req.Type,
		Amount:         req.Amount,
		BalanceBefore:  f.wallet.Balance,
		CallID:         req.CallID,
	}

	newBalance := f.wallet.Balance + req.Amount
	if newBalance < 0 {
		record.BalanceAfter = f.wallet.Balance
		record.Status = domain.TransactionStatusFailed
		f.byKey[req.IdempotencyKey] = record
		f.failed++
		return nil, &domain.InsufficientFundsError{CurrentBalance: f.wallet.Balance, Requested: -req.Amount}
	}

	record.BalanceAfter = newBalance
	record.Status = domain.TransactionStatusCommitted
	f.byKey[req.IdempotencyKey] = record
	f.committed = append(f.committed, *record)
	f.wallet.Balance = newBalance
	return &ledger.AdjustResult{Transaction: record, NewBalance: newBalance}, nil
}

func (f *fakeLedger) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID != f.wallet.UserID {
		return nil, domain.ErrWalletNotFound
	}
	w := f.wallet
	return &w, nil
}

func (f *fakeLedger) balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallet.Balance
}

func (f *fakeLedger) billed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, tx := range f.committed {
		total += -tx.Amount
	}
	return total
}

func (f *fakeLedger) failedAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// brokenLedger passes the pre-flight wallet lookup, then fails every
// adjustment with a transient I/O error.
type brokenLedger struct {
	mu       sync.Mutex
	wallet   domain.Wallet
	attempts int
}

func newBrokenLedger(userID uuid.UUID, balance int64) *brokenLedger {
	return &brokenLedger{
		wallet: domain.Wallet{
			ID:       uuid.New(),
			UserID:   userID,
			Currency: domain.CurrencyUSD,
			Balance:  balance,
			Status:   domain.WalletStatusActive,
		},
	}
}

func (f *brokenLedger) AtomicAdjust(_ context.Context, _ ledger.AdjustRequest) (*ledger.AdjustResult, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return nil, errors.New("connection reset by peer")
}

func (f *brokenLedger) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	if userID != f.wallet.UserID {
		return nil, domain.ErrWalletNotFound
	}
	w := f.wallet
	return &w, nil
}

func (f *brokenLedger) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeRates struct{ perMin int64 }

func (r fakeRates) PerMinute(domain.CallType) (int64, error) { return r.perMin, nil }

type recordedTransition struct {
	callID uuid.UUID
	from   domain.CallState
	to     domain.CallState
	reason string
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []recordedTransition
	lowBalances []int64
}

func (p *recordingPublisher) PublishTransition(callID uuid.UUID, from, to domain.CallState, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, recordedTransition{callID, from, to, reason})
}

func (p *recordingPublisher) PublishLowBalance(_, _ uuid.UUID, balance int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lowBalances = append(p.lowBalances, balance)
}

func (p *recordingPublisher) lowBalanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lowBalances)
}

func (p *recordingPublisher) sawTransition(to domain.CallState, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tr := range p.transitions {
		if tr.to == to && tr.reason == reason {
			return true
		}
	}
	return false
}

type testRig struct {
	coordinator *Coordinator
	tracker     *session.Tracker
	ledger      *fakeLedger
	pub         *recordingPublisher
	callerID    uuid.UUID
	calleeID    uuid.UUID
}

// rate 6/min with 10ms ticks makes every tick cost exactly 1 minor unit:
// ceil(10ms * 6 / 60000ms) = 1, and the cap bounds any late wakeup below
// 10s, still 1. Totals in these tests are therefore exact.
func newTestRig(t *testing.T, balance int64, mutate func(*Config)) *testRig {
	t.Helper()

	cfg := Config{
		TickInterval:        10 * time.Millisecond,
		RingTimeout:         2 * time.Second,
		LowBalanceThreshold: 0,
		RetryAttempts:       2,
		RetryInitial:        time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	callerID := uuid.New()
	fl := newFakeLedger(callerID, balance)
	pub := &recordingPublisher{}
	tracker := session.NewTracker(newMemorySessionRepo())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewCoordinator(tracker, fl, fakeRates{perMin: 6}, pub, nil, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})

	return &testRig{
		coordinator: c,
		tracker:     tracker,
		ledger:      fl,
		pub:         pub,
		callerID:    callerID,
		calleeID:    uuid.New(),
	}
}

func (r *testRig) initiate(t *testing.T) *domain.CallSession {
	t.Helper()
	s, err := r.coordinator.InitiateCall(context.Background(), r.callerID, r.calleeID, domain.CallTypeVoice)
	require.NoError(t, err)
	require.Equal(t, domain.CallStateRinging, s.State)
	return s
}

func (r *testRig) waitForState(t *testing.T, callID uuid.UUID, want domain.CallState) *domain.CallSession {
	t.Helper()
	var got *domain.CallSession
	require.Eventually(t, func() bool {
		s, err := r.tracker.GetByID(context.Background(), callID)
		if err != nil {
			return false
		}
		got = s
		return s.State == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for state %s", want)
	return got
}

func TestCallBillsUntilFundsRunOut(t *testing.T) {
	rig := newTestRig(t, 5, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Accept(s.ID, rig.calleeID))

	final := rig.waitForState(t, s.ID, domain.CallStateEnded)
	require.NotNil(t, final.EndReason)
	assert.Equal(t, domain.EndReasonInsufficientBalance, *final.EndReason)

	// Every unit the caller had was billed, and not one more.
	assert.Equal(t, int64(5), rig.ledger.billed())
	assert.Equal(t, int64(0), rig.ledger.balance())
	assert.GreaterOrEqual(t, rig.ledger.failedAttempts(), 1, "rejected attempt must leave a failed audit row")
	assert.Equal(t, int64(5), final.AccumulatedCost)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	rig := newTestRig(t, 100, func(cfg *Config) { cfg.RingTimeout = 30 * time.Millisecond })
	s := rig.initiate(t)

	rig.waitForState(t, s.ID, domain.CallStateMissed)
	assert.Equal(t, int64(0), rig.ledger.billed())
	assert.True(t, rig.pub.sawTransition(domain.CallStateMissed, ""))
}

func TestDeclineEndsCallWithoutBilling(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Decline(s.ID, rig.calleeID))

	rig.waitForState(t, s.ID, domain.CallStateDeclined)
	assert.Equal(t, int64(0), rig.ledger.billed())
	assert.Equal(t, int64(100), rig.ledger.balance())
}

func TestCallerHangupWhileRingingCancels(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Hangup(s.ID, rig.callerID))

	final := rig.waitForState(t, s.ID, domain.CallStateEnded)
	require.NotNil(t, final.EndReason)
	assert.Equal(t, domain.EndReasonCancelled, *final.EndReason)
	assert.Equal(t, int64(0), rig.ledger.billed())
}

func TestCalleeHangupWhileRingingDeclines(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Hangup(s.ID, rig.calleeID))

	rig.waitForState(t, s.ID, domain.CallStateDeclined)
	assert.Equal(t, int64(0), rig.ledger.billed())
}

func TestHangupDuringActiveCompletesWithFinalTick(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Accept(s.ID, rig.calleeID))
	rig.waitForState(t, s.ID, domain.CallStateActive)

	// Let a couple of regular ticks land before hanging up.
	require.Eventually(t, func() bool {
		return rig.ledger.billed() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, rig.coordinator.Hangup(s.ID, rig.callerID))

	final := rig.waitForState(t, s.ID, domain.CallStateEnded)
	require.NotNil(t, final.EndReason)
	assert.Equal(t, domain.EndReasonCompleted, *final.EndReason)

	billed := rig.ledger.billed()
	assert.GreaterOrEqual(t, billed, int64(2))
	assert.Equal(t, int64(100)-billed, rig.ledger.balance())
	assert.Equal(t, billed, final.AccumulatedCost)
}

func TestPreflightRejectsUnaffordableCall(t *testing.T) {
	rig := newTestRig(t, 0, nil)

	s, err := rig.coordinator.InitiateCall(context.Background(), rig.callerID, rig.calleeID, domain.CallTypeVoice)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, s, "caller needs the session to surface the failed call")

	stored, err := rig.tracker.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, stored.State)
	require.NotNil(t, stored.EndReason)
	assert.Equal(t, domain.EndReasonInsufficientBalance, *stored.EndReason)
	assert.True(t, rig.pub.sawTransition(domain.CallStateFailed, string(domain.EndReasonInsufficientBalance)))
	assert.Equal(t, int64(0), rig.ledger.billed())
}

func TestUnknownWalletFailsCall(t *testing.T) {
	rig := newTestRig(t, 100, nil)

	strangerID := uuid.New()
	_, err := rig.coordinator.InitiateCall(context.Background(), strangerID, rig.calleeID, domain.CallTypeVoice)
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestLowBalanceWarningEmitted(t *testing.T) {
	rig := newTestRig(t, 5, func(cfg *Config) { cfg.LowBalanceThreshold = 3 })
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Accept(s.ID, rig.calleeID))
	rig.waitForState(t, s.ID, domain.CallStateEnded)

	assert.GreaterOrEqual(t, rig.pub.lowBalanceCount(), 1)
}

func TestAcceptByNonCalleeIsIgnored(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Accept(s.ID, rig.callerID))

	// Still ringing: the caller cannot answer their own call.
	time.Sleep(50 * time.Millisecond)
	stored, err := rig.tracker.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRinging, stored.State)
}

func TestSignalAfterTerminalStateFails(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Decline(s.ID, rig.calleeID))
	rig.waitForState(t, s.ID, domain.CallStateDeclined)

	require.Eventually(t, func() bool {
		return rig.coordinator.Accept(s.ID, rig.calleeID) != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rig.coordinator.Accept(s.ID, rig.calleeID), domain.ErrSessionTerminal)
}

func TestSignalUnknownCall(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	assert.ErrorIs(t, rig.coordinator.Hangup(uuid.New(), rig.callerID), domain.ErrSessionTerminal)
}

func TestConcurrentCallsBillIndependently(t *testing.T) {
	rig := newTestRig(t, 1000, nil)

	const calls = 5
	sessions := make([]*domain.CallSession, 0, calls)
	for range calls {
		s, err := rig.coordinator.InitiateCall(context.Background(), rig.callerID, uuid.New(), domain.CallTypeVoice)
		require.NoError(t, err)
		require.NoError(t, rig.coordinator.Accept(s.ID, s.CalleeID))
		sessions = append(sessions, s)
	}

	require.Eventually(t, func() bool {
		return rig.ledger.billed() >= calls*3
	}, 5*time.Second, 5*time.Millisecond)

	for _, s := range sessions {
		require.NoError(t, rig.coordinator.Hangup(s.ID, rig.callerID))
	}
	for _, s := range sessions {
		final := rig.waitForState(t, s.ID, domain.CallStateEnded)
		require.NotNil(t, final.EndReason)
		assert.Equal(t, domain.EndReasonCompleted, *final.EndReason)
	}

	// The shared wallet serialized every deduction: the replayed ledger sum
	// must equal what left the balance.
	assert.Equal(t, int64(1000)-rig.ledger.balance(), rig.ledger.billed())
}

func TestStopEndsLiveCallsAsCancelled(t *testing.T) {
	cfg := Config{
		TickInterval:        10 * time.Millisecond,
		RingTimeout:         2 * time.Second,
		LowBalanceThreshold: 0,
		RetryAttempts:       2,
		RetryInitial:        time.Millisecond,
	}

	callerID := uuid.New()
	fl := newFakeLedger(callerID, 1000)
	pub := &recordingPublisher{}
	tracker := session.NewTracker(newMemorySessionRepo())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(tracker, fl, fakeRates{perMin: 6}, pub, nil, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	s, err := c.InitiateCall(context.Background(), callerID, uuid.New(), domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, c.Accept(s.ID, s.CalleeID))

	require.Eventually(t, func() bool {
		return fl.billed() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	c.Stop()

	stored, err := tracker.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CallStateEnded, stored.State)
	require.NotNil(t, stored.EndReason)
	assert.Equal(t, domain.EndReasonCancelled, *stored.EndReason)
	// The shutdown path still reconciled the partial interval.
	assert.Equal(t, fl.billed(), stored.AccumulatedCost)
}

// A ledger outage lasting past the retry budget must end the call as a
// billing failure: no charge, no silent free call.
func TestRepeatedLedgerFailureEndsCallWithBillingFailure(t *testing.T) {
	cfg := Config{
		TickInterval:        10 * time.Millisecond,
		RingTimeout:         2 * time.Second,
		LowBalanceThreshold: 0,
		RetryAttempts:       2,
		RetryInitial:        time.Millisecond,
	}

	callerID := uuid.New()
	fl := newBrokenLedger(callerID, 1000)
	pub := &recordingPublisher{}
	tracker := session.NewTracker(newMemorySessionRepo())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(tracker, fl, fakeRates{perMin: 6}, pub, nil, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})

	s, err := c.InitiateCall(context.Background(), callerID, uuid.New(), domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, c.Accept(s.ID, s.CalleeID))

	var final *domain.CallSession
	require.Eventually(t, func() bool {
		got, err := tracker.GetByID(context.Background(), s.ID)
		if err != nil {
			return false
		}
		final = got
		return got.State == domain.CallStateEnded
	}, 5*time.Second, 5*time.Millisecond)

	require.NotNil(t, final.EndReason)
	assert.Equal(t, domain.EndReasonBillingFailure, *final.EndReason)
	assert.Equal(t, int64(0), final.AccumulatedCost)
	assert.True(t, pub.sawTransition(domain.CallStateEnded, string(domain.EndReasonBillingFailure)))

	// The first costed tick burned the whole retry budget and nothing more.
	assert.Equal(t, 1+cfg.RetryAttempts, fl.attemptCount())
}

// The session handed back by InitiateCall is a snapshot: the worker's later
// transitions must not show through a struct the HTTP layer is serializing.
func TestInitiateCallReturnsSnapshot(t *testing.T) {
	rig := newTestRig(t, 100, nil)
	s := rig.initiate(t)

	require.NoError(t, rig.coordinator.Accept(s.ID, rig.calleeID))
	rig.waitForState(t, s.ID, domain.CallStateActive)

	assert.Equal(t, domain.CallStateRinging, s.State)
	assert.Equal(t, int64(0), s.AccumulatedCost)
}

func TestRecoverStale(t *testing.T) {
	repo := newMemorySessionRepo()
	tracker := session.NewTracker(repo)
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fl := newFakeLedger(uuid.New(), 0)
	c := NewCoordinator(tracker, fl, fakeRates{perMin: 6}, pub, nil, Config{}, logger)

	ctx := context.Background()
	mk := func(state domain.CallState) uuid.UUID {
		s, err := tracker.Create(ctx, uuid.New(), uuid.New(), domain.CallTypeVoice)
		require.NoError(t, err)
		if state == domain.CallStateInitiating {
			return s.ID
		}
		require.NoError(t, tracker.MarkRinging(ctx, s))
		if state == domain.CallStateRinging {
			return s.ID
		}
		require.NoError(t, tracker.Activate(ctx, s, 6))
		return s.ID
	}

	initiatingID := mk(domain.CallStateInitiating)
	ringingID := mk(domain.CallStateRinging)
	activeID := mk(domain.CallStateActive)

	require.NoError(t, c.RecoverStale(ctx))

	check := func(id uuid.UUID, want domain.CallState, wantReason *domain.EndReason) {
		s, err := tracker.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, s.State, "call %s", id)
		if wantReason == nil {
			assert.Nil(t, s.EndReason)
		} else {
			require.NotNil(t, s.EndReason)
			assert.Equal(t, *wantReason, *s.EndReason)
		}
	}

	billingFailure := domain.EndReasonBillingFailure
	check(initiatingID, domain.CallStateFailed, &billingFailure)
	check(ringingID, domain.CallStateMissed, nil)
	check(activeID, domain.CallStateEnded, &billingFailure)

	remaining, err := tracker.GetNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// Tick idempotency keys are derived from the tick sequence; replaying one
// must return the committed row instead of charging again.
func TestFakeLedgerReplaySemantics(t *testing.T) {
	fl := newFakeLedger(uuid.New(), 10)
	callID := uuid.New()
	key := fmt.Sprintf("%s:tick:1", callID)

	req := ledger.AdjustRequest{
		WalletID:       fl.wallet.ID,
		Amount:         -3,
		Type:           domain.TransactionTypeCallDeduction,
		CallID:         &callID,
		IdempotencyKey: key,
	}

	first, err := fl.AtomicAdjust(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := fl.AtomicAdjust(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(7), fl.balance())
}
