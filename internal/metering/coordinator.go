// Package metering drives the billing tick loop for every live call. One
// worker goroutine owns each call session end to end, which is what makes
// ticks strictly serialized per call while calls proceed in parallel.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/ledger"
	"github.com/chatpay/billing-engine/internal/observability"
	"github.com/chatpay/billing-engine/internal/session"
)

type ledgerService interface {
	AtomicAdjust(ctx context.Context, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
}

type rateTable interface {
	PerMinute(callType domain.CallType) (int64, error)
}

type lifecyclePublisher interface {
	PublishTransition(callID uuid.UUID, from, to domain.CallState, reason string)
	PublishLowBalance(callID, userID uuid.UUID, balance int64)
}

type Config struct {
	TickInterval        time.Duration
	RingTimeout         time.Duration
	LowBalanceThreshold int64
	RetryAttempts       int
	RetryInitial        time.Duration
}

type Coordinator struct {
	tracker *session.Tracker
	ledger  ledgerService
	rates   rateTable
	pub     lifecyclePublisher
	metrics *observability.Metrics
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[uuid.UUID]*worker
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewCoordinator(
	tracker *session.Tracker,
	ledgerSvc ledgerService,
	rates rateTable,
	pub lifecyclePublisher,
	metrics *observability.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		tracker: tracker,
		ledger:  ledgerSvc,
		rates:   rates,
		pub:     pub,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		workers: make(map[uuid.UUID]*worker),
	}
}

// Start anchors the context all call workers run under. Cancelling it (via
// Stop) force-ends every live call.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	c.started = true
}

// Stop cancels all call workers and waits for them to finish their final
// ledger writes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// InitiateCall creates the session, runs the pre-flight balance check, and
// starts ringing the callee. The caller must be able to afford at least one
// full tick at the current rate before the callee's phone ever rings.
func (c *Coordinator) InitiateCall(ctx context.Context, callerID, calleeID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	rate, err := c.rates.PerMinute(callType)
	if err != nil {
		return nil, fmt.Errorf("InitiateCall: %w", err)
	}

	s, err := c.tracker.Create(ctx, callerID, calleeID, callType)
	if err != nil {
		return nil, fmt.Errorf("InitiateCall: %w", err)
	}

	wallet, err := c.ledger.GetWalletByUserID(ctx, callerID)
	if err != nil {
		c.failSession(ctx, s, domain.EndReasonBillingFailure)
		return nil, fmt.Errorf("InitiateCall: %w", err)
	}

	minimum := TickCost(c.cfg.TickInterval, rate)
	if wallet.Balance < minimum {
		c.failSession(ctx, s, domain.EndReasonInsufficientBalance)
		return s, fmt.Errorf("InitiateCall: balance %d below minimum %d: %w",
			wallet.Balance, minimum, domain.ErrInsufficientFunds)
	}

	if err := c.tracker.MarkRinging(ctx, s); err != nil {
		return nil, fmt.Errorf("InitiateCall: %w", err)
	}
	c.pub.PublishTransition(s.ID, domain.CallStateInitiating, domain.CallStateRinging, "")

	// The worker owns the live session from here on; hand the caller a
	// snapshot so nothing outside the worker goroutine reads what it writes.
	snapshot := *s
	if err := c.spawnWorker(s, wallet.ID); err != nil {
		c.failSession(ctx, s, domain.EndReasonBillingFailure)
		return nil, fmt.Errorf("InitiateCall: %w", err)
	}

	return &snapshot, nil
}

// Accept routes the callee's accept signal into the call's worker.
func (c *Coordinator) Accept(callID, by uuid.UUID) error {
	return c.signal(callID, signal{kind: signalAccept, by: by})
}

// Decline routes the callee's decline signal into the call's worker.
func (c *Coordinator) Decline(callID, by uuid.UUID) error {
	return c.signal(callID, signal{kind: signalDecline, by: by})
}

// Hangup routes a hangup from either party into the call's worker.
func (c *Coordinator) Hangup(callID, by uuid.UUID) error {
	return c.signal(callID, signal{kind: signalHangup, by: by})
}

// RecoverStale force-ends sessions a previous process left non-terminal.
// An unattended active call must never keep running unbilled, so recovery
// errs toward ending it.
func (c *Coordinator) RecoverStale(ctx context.Context) error {
	stale, err := c.tracker.GetNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("RecoverStale: %w", err)
	}

	for i := range stale {
		s := &stale[i]
		from := s.State
		var err error
		switch s.State {
		case domain.CallStateInitiating:
			err = c.tracker.Fail(ctx, s, domain.EndReasonBillingFailure)
		case domain.CallStateRinging:
			err = c.tracker.Miss(ctx, s)
		case domain.CallStateActive:
			err = c.tracker.End(ctx, s, domain.EndReasonBillingFailure)
		}
		if err != nil {
			c.logger.Error("failed to recover stale session", "call_id", s.ID, "state", from, "error", err)
			continue
		}
		c.pub.PublishTransition(s.ID, from, s.State, reasonString(s.EndReason))
		c.logger.Warn("recovered stale call session", "call_id", s.ID, "from", from, "to", s.State)
	}
	return nil
}

func (c *Coordinator) spawnWorker(s *domain.CallSession, walletID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return errors.New("coordinator not started")
	}
	if _, exists := c.workers[s.ID]; exists {
		return fmt.Errorf("worker already registered for call %s", s.ID)
	}

	w := &worker{
		c:        c,
		session:  s,
		walletID: walletID,
		signals:  make(chan signal, 8),
	}
	c.workers[s.ID] = w
	c.wg.Add(1)
	if c.metrics != nil {
		c.metrics.ActiveCalls.Inc()
	}

	go w.run(c.baseCtx)
	return nil
}

func (c *Coordinator) removeWorker(callID uuid.UUID) {
	c.mu.Lock()
	delete(c.workers, callID)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveCalls.Dec()
	}
	c.wg.Done()
}

func (c *Coordinator) signal(callID uuid.UUID, sig signal) error {
	c.mu.Lock()
	w, ok := c.workers[callID]
	c.mu.Unlock()
	if !ok {
		// The session row may still exist; no live worker means the call
		// already reached (or is reaching) a terminal state.
		return fmt.Errorf("signal: %w", domain.ErrSessionTerminal)
	}

	select {
	case w.signals <- sig:
		return nil
	default:
		// The worker is tearing down and no longer draining signals; the
		// session is terminal or about to be.
		return fmt.Errorf("signal: %w", domain.ErrSessionTerminal)
	}
}

func (c *Coordinator) failSession(ctx context.Context, s *domain.CallSession, reason domain.EndReason) {
	from := s.State
	if err := c.tracker.Fail(ctx, s, reason); err != nil {
		c.logger.Error("failed to mark session failed", "call_id", s.ID, "error", err)
		return
	}
	c.pub.PublishTransition(s.ID, from, domain.CallStateFailed, string(reason))
}

func reasonString(r *domain.EndReason) string {
	if r == nil {
		return ""
	}
	return string(*r)
}
