package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const lifecycleSubjectPrefix = "calls.lifecycle."

// NATSPublisher forwards lifecycle events onto a NATS subject per call, for
// consumers (UI sync, analytics) that live outside this process.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("billing-engine"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("NewNATSPublisher: connect: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Handle(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("Handle: marshal: %w", err)
	}
	if err := p.conn.Publish(lifecycleSubjectPrefix+e.CallID.String(), payload); err != nil {
		return fmt.Errorf("Handle: publish: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	p.conn.Drain()
}
