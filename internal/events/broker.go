package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentsh/actiond/pkg/types"
)

// AllRuns subscribes to events of every run.
const AllRuns = "*"

type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // runID -> subscribers
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[string]map[chan types.Event]struct{}),
		logger: slog.Default(),
	}
}

func (b *Broker) Subscribe(runID string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[runID]; !ok {
		b.subs[runID] = make(map[chan types.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(runID string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[runID]
	if !ok {
		return
	}
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(b.subs[ev.RunID], ev)
	if ev.RunID != AllRuns {
		b.deliverLocked(b.subs[AllRuns], ev)
	}
}

func (b *Broker) deliverLocked(m map[chan types.Event]struct{}, ev types.Event) {
	for ch := range m {
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("events: dropped event", "run_id", ev.RunID, "type", ev.Type, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
