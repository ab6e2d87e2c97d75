package store

import (
	"context"

	"github.com/agentsh/actiond/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// ActionStore persists journal records. SaveAction is an upsert keyed by
// record id, so completing or undoing an action rewrites the same row.
type ActionStore interface {
	SaveAction(ctx context.Context, rec types.ActionRecord) error
	LoadActions(ctx context.Context) ([]types.ActionRecord, error)
	Close() error
}
