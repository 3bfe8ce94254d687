// Package events fans call-lifecycle transitions out to external
// collaborators. Delivery is at-least-once; consumers are expected to be
// idempotent on (call_id, to_state). No business logic lives here.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/domain"
)

type Kind string

const (
	KindStateTransition   Kind = "state_transition"
	KindLowBalanceWarning Kind = "low_balance_warning"
)

type Event struct {
	Kind      Kind             `json:"kind"`
	CallID    uuid.UUID        `json:"call_id"`
	FromState domain.CallState `json:"from_state,omitempty"`
	ToState   domain.CallState `json:"to_state,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	UserID    uuid.UUID        `json:"user_id,omitempty"`
	Balance   int64            `json:"balance,omitempty"`
	At        time.Time        `json:"at"`
}

type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

type Publisher struct {
	subscribers []Subscriber
	ch          chan Event
	logger      *slog.Logger
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewPublisher(logger *slog.Logger, subscribers ...Subscriber) *Publisher {
	return &Publisher{
		subscribers: subscribers,
		ch:          make(chan Event, 1024),
		logger:      logger,
	}
}

// Start runs the dispatch loop until ctx is cancelled, then drains whatever
// was already queued so a shutdown doesn't swallow terminal transitions.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case e := <-p.ch:
				p.dispatch(context.WithoutCancel(ctx), e)
			}
		}
	}()
}

// Publish queues an event without blocking the caller's billing path. A full
// queue is logged and the event dispatched inline as a fallback.
func (p *Publisher) Publish(e Event) {
	select {
	case p.ch <- e:
	default:
		p.logger.Warn("event queue full, dispatching inline", "call_id", e.CallID, "kind", e.Kind)
		p.dispatch(context.Background(), e)
	}
}

func (p *Publisher) PublishTransition(callID uuid.UUID, from, to domain.CallState, reason string) {
	p.Publish(Event{
		Kind:      KindStateTransition,
		CallID:    callID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

func (p *Publisher) PublishLowBalance(callID, userID uuid.UUID, balance int64) {
	p.Publish(Event{
		Kind:    KindLowBalanceWarning,
		CallID:  callID,
		UserID:  userID,
		Balance: balance,
		At:      time.Now().UTC(),
	})
}

func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) dispatch(ctx context.Context, e Event) {
	for _, sub := range p.subscribers {
		if err := sub.Handle(ctx, e); err != nil {
			// One immediate redelivery; beyond that the consumer's own
			// idempotency and polling have to cover it.
			p.logger.Warn("subscriber failed, retrying once",
				"subscriber", sub.Name(), "call_id", e.CallID, "error", err)
			if err := sub.Handle(ctx, e); err != nil {
				p.logger.Error("subscriber failed after retry",
					"subscriber", sub.Name(), "call_id", e.CallID, "error", err)
			}
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case e := <-p.ch:
			p.dispatch(context.Background(), e)
		default:
			return
		}
	}
}
