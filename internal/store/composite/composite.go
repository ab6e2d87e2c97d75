// Package composite fans audit events out to a queryable primary store and
// any number of best-effort sinks.
package composite

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/pkg/types"
)

type Store struct {
	primary store.EventStore
	sinks   []store.EventStore
	logger  *slog.Logger
}

func New(primary store.EventStore, sinks ...store.EventStore) *Store {
	return &Store{primary: primary, sinks: sinks, logger: slog.Default()}
}

func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.logger = l
	}
	return s
}

// AppendEvent reports only the primary's error. A failing sink is logged so
// one unreachable collector never blocks the audit trail.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	err := s.primary.AppendEvent(ctx, ev)
	for i, o := range s.sinks {
		if serr := o.AppendEvent(ctx, ev); serr != nil {
			s.logger.Warn("event sink append failed", "sink", i, "type", ev.Type, "error", serr)
		}
	}
	return err
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) Close() error {
	errs := []error{s.primary.Close()}
	for _, o := range s.sinks {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
