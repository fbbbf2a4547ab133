package eventing

import (
	"context"
	"fmt"

	"parkfleet-cloud/internal/eventing/eventbus"
)

// OutboxWriter persists envelopes for later dispatch.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Subscriber registers event handlers by type name.
type Subscriber interface {
	Subscribe(eventType string, handler eventbus.EventHandler)
}

// Publisher is the write side of the outbox: events are stored in the
// same database as the state change that produced them, then pushed to
// subscribers. A dispatch attempt runs inline so the common path stays
// low-latency; the dispatcher's sweep picks up anything left behind.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	sub      Subscriber
	tenantID string
}

// NewPublisher constructs a publisher. tenantID is the fallback tenant
// stamped on envelopes when the context carries none.
func NewPublisher(outbox OutboxWriter, dispatch *Dispatcher, tenantID string, sub Subscriber) *Publisher {
	return &Publisher{
		outbox:   outbox,
		dispatch: dispatch,
		sub:      sub,
		tenantID: tenantID,
	}
}

// Publish stores the event and attempts an inline dispatch. Dispatch
// failures are not returned; the stored envelope is retried by the
// background sweep.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.outbox == nil {
		return nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx, p.tenantID))
	if err != nil {
		return fmt.Errorf("eventing: publish: %w", err)
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return fmt.Errorf("eventing: publish: %w", err)
	}
	if p.dispatch != nil {
		_ = p.dispatch.Dispatch(ctx, 1)
	}
	return nil
}

// Subscribe registers a handler on the underlying bus.
func (p *Publisher) Subscribe(eventType string, handler eventbus.EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
