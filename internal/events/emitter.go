package events

import (
	"context"

	"github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/pkg/types"
)

// Emitter persists an event and fans it out to live subscribers. Either
// half may be nil.
type Emitter struct {
	store  store.EventStore
	broker *Broker
}

func NewEmitter(s store.EventStore, b *Broker) *Emitter {
	return &Emitter{store: s, broker: b}
}

func (e *Emitter) AppendEvent(ctx context.Context, ev types.Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	return e.store.AppendEvent(ctx, ev)
}

func (e *Emitter) Publish(ev types.Event) {
	if e == nil || e.broker == nil {
		return
	}
	e.broker.Publish(ev)
}
