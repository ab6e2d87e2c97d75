package metrics

import (
	"context"

	"github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/pkg/types"
)

// countingStore counts appends by event type on the way through to inner.
type countingStore struct {
	store.EventStore
	c *Collector
}

// WrapEventStore returns inner with appends counted in c. A nil inner
// stays nil.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	return &countingStore{EventStore: inner, c: c}
}

func (s *countingStore) AppendEvent(ctx context.Context, ev types.Event) error {
	if err := s.EventStore.AppendEvent(ctx, ev); err != nil {
		s.c.IncAppendFailed()
		return err
	}
	s.c.IncEvent(ev.Type)
	return nil
}
