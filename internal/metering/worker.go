package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
	"github.com/chatpay/billing-engine/internal/ledger"
)

type signalKind int

const (
	signalAccept signalKind = iota
	signalDecline
	signalHangup
)

type signal struct {
	kind signalKind
	by   uuid.UUID
}

type tickOutcome int

const (
	tickCommitted tickOutcome = iota
	tickSkipped
	tickInsufficient
	tickFailed
)

// worker is the single writer for one call session. Everything that mutates
// the session happens on this goroutine, so ticks and signals for a call
// are strictly serialized.
type worker struct {
	c        *Coordinator
	session  *domain.CallSession
	walletID uuid.UUID
	signals  chan signal
}

func (w *worker) run(ctx context.Context) {
	defer w.c.removeWorker(w.session.ID)

	if !w.ring(ctx) {
		return
	}
	w.meter(ctx)
}

// ring waits for the callee's answer. Returns true when the call went
// active and metering should begin.
func (w *worker) ring(ctx context.Context) bool {
	timer := time.NewTimer(w.c.cfg.RingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finish(domain.EndReasonCancelled)
			return false

		case <-timer.C:
			from := w.session.State
			if err := w.c.tracker.Miss(w.opCtx(), w.session); err != nil {
				w.logTransitionFailure(err)
				return false
			}
			w.c.pub.PublishTransition(w.session.ID, from, domain.CallStateMissed, "")
			return false

		case sig := <-w.signals:
			switch sig.kind {
			case signalAccept:
				if sig.by != w.session.CalleeID {
					continue
				}
				if w.activate() {
					return true
				}
				return false

			case signalDecline:
				if sig.by != w.session.CalleeID {
					continue
				}
				from := w.session.State
				if err := w.c.tracker.Decline(w.opCtx(), w.session); err != nil {
					w.logTransitionFailure(err)
					return false
				}
				w.c.pub.PublishTransition(w.session.ID, from, domain.CallStateDeclined, "")
				return false

			case signalHangup:
				// Callee hanging up while ringing is a decline; caller
				// hanging up is a cancel. Neither bills anything.
				if sig.by == w.session.CalleeID {
					from := w.session.State
					if err := w.c.tracker.Decline(w.opCtx(), w.session); err != nil {
						w.logTransitionFailure(err)
						return false
					}
					w.c.pub.PublishTransition(w.session.ID, from, domain.CallStateDeclined, "")
					return false
				}
				w.finish(domain.EndReasonCancelled)
				return false
			}
		}
	}
}

func (w *worker) activate() bool {
	rate, err := w.c.rates.PerMinute(w.session.Type)
	if err != nil {
		w.c.logger.Error("no rate at activation", "call_id", w.session.ID, "error", err)
		w.finish(domain.EndReasonBillingFailure)
		return false
	}

	from := w.session.State
	if err := w.c.tracker.Activate(w.opCtx(), w.session, rate); err != nil {
		w.logTransitionFailure(err)
		return false
	}
	w.c.pub.PublishTransition(w.session.ID, from, domain.CallStateActive, "")
	return true
}

// meter runs the recurring billing tick until the call reaches a terminal
// state. A hangup cancels the pending tick and issues one final reconciling
// tick for the partial interval.
func (w *worker) meter(ctx context.Context) {
	ticker := time.NewTicker(w.c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.reconcile()
			w.finish(domain.EndReasonCancelled)
			return

		case <-ticker.C:
			switch w.tick(false) {
			case tickCommitted, tickSkipped:
				// active -> active self-loop, keep ticking
			case tickInsufficient:
				w.finish(domain.EndReasonInsufficientBalance)
				return
			case tickFailed:
				w.finish(domain.EndReasonBillingFailure)
				return
			}

		case sig := <-w.signals:
			if sig.kind != signalHangup {
				// Accept and decline are meaningless on an active call.
				continue
			}
			w.reconcile()
			w.finish(domain.EndReasonCompleted)
			return
		}
	}
}

// tick charges the elapsed interval since the last tick. The idempotency
// key is derived from the tick sequence, so a retried or duplicated tick
// can never double-deduct.
func (w *worker) tick(final bool) tickOutcome {
	s := w.session
	now := time.Now().UTC()

	elapsed := boundElapsed(now.Sub(*s.LastTickAt), w.c.cfg.TickInterval)
	cost := TickCost(elapsed, s.RatePerMinute)
	if cost == 0 {
		return tickSkipped
	}

	key := fmt.Sprintf("%s:tick:%d", s.ID, s.TickSeq+1)
	if final {
		key = fmt.Sprintf("%s:final", s.ID)
	}

	result, err := w.adjustWithRetry(key, -cost)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			w.countTick("insufficient_funds")
			w.c.logger.Info("call out of funds",
				"call_id", s.ID, "tick_seq", s.TickSeq+1, "requested", cost)
			return tickInsufficient
		}
		w.countTick("failed")
		w.c.logger.Error("ledger deduction failed after retries",
			"call_id", s.ID, "tick_seq", s.TickSeq+1, "error", err)
		return tickFailed
	}

	// On an idempotent replay the previously committed amount is
	// authoritative, not the recomputed one.
	charged := -result.Transaction.Amount

	if err := w.c.tracker.ApplyTick(w.opCtx(), s, charged, now); err != nil {
		// The deduction is committed; the session row catches up on the
		// next full-row update.
		w.c.logger.Error("failed to persist tick", "call_id", s.ID, "error", err)
	}

	w.countTick("committed")
	if w.c.metrics != nil {
		w.c.metrics.BilledUnits.Add(float64(charged))
	}

	if result.NewBalance < w.c.cfg.LowBalanceThreshold {
		w.c.pub.PublishLowBalance(s.ID, s.CallerID, result.NewBalance)
	}
	return tickCommitted
}

// reconcile issues the final partial-interval tick on hangup or shutdown.
// Its outcome cannot change the end reason: the user already ended the call.
func (w *worker) reconcile() {
	switch w.tick(true) {
	case tickInsufficient:
		w.c.logger.Warn("final reconciling tick rejected for insufficient funds",
			"call_id", w.session.ID)
	case tickFailed:
		w.c.logger.Error("final reconciling tick failed", "call_id", w.session.ID)
	}
}

func (w *worker) adjustWithRetry(key string, amount int64) (*ledger.AdjustResult, error) {
	opCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.c.cfg.RetryInitial

	attempts := 0
	result, err := backoff.RetryWithData(func() (*ledger.AdjustResult, error) {
		attempts++
		if attempts > 1 && w.c.metrics != nil {
			w.c.metrics.LedgerRetries.Inc()
		}

		res, err := w.c.ledger.AtomicAdjust(opCtx, ledger.AdjustRequest{
			WalletID:       w.walletID,
			Amount:         amount,
			Type:           domain.TransactionTypeCallDeduction,
			CallID:         &w.session.ID,
			IdempotencyKey: key,
		})
		if err != nil {
			// Insufficient funds is a definitive business outcome, not a
			// transient fault; retrying it would just repeat the answer.
			if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrInvalidAmount) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.c.cfg.RetryAttempts)), opCtx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finish drives the session to its terminal state and publishes the
// transition. Used for ended/cancelled paths; missed and declined publish
// at their call sites.
func (w *worker) finish(reason domain.EndReason) {
	s := w.session
	if s.State.IsTerminal() {
		return
	}

	from := s.State
	if err := w.c.tracker.End(w.opCtx(), s, reason); err != nil {
		w.logTransitionFailure(err)
		return
	}
	w.c.pub.PublishTransition(s.ID, from, domain.CallStateEnded, string(reason))
	w.c.logger.Info("call ended",
		"call_id", s.ID, "reason", reason, "billed", s.AccumulatedCost, "ticks", s.TickSeq)
}

func (w *worker) countTick(result string) {
	if w.c.metrics != nil {
		w.c.metrics.Ticks.WithLabelValues(result).Inc()
	}
}

// opCtx returns the context for persistence during teardown. The worker's
// own context may already be cancelled at that point, and terminal-state
// writes must not be abandoned halfway.
func (w *worker) opCtx() context.Context {
	return context.Background()
}

func (w *worker) logTransitionFailure(err error) {
	// An invalid transition is a programming-contract violation; it is
	// logged loudly but resolved by stopping the worker, never by crashing
	// the coordinator.
	w.c.logger.Error("session transition failed",
		"call_id", w.session.ID, "state", w.session.State, "error", err)
}
