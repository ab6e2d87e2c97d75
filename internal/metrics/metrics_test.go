package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncEvent("foo")
	c.IncEvent("foo")
	c.IncEvent("bar\n\"x\"")
	c.IncApprovalCreated()
	c.IncApprovalCreated()
	c.ObserveApproval(true, false)
	c.ObserveApproval(false, true)
	c.ObserveUndo(true)
	c.ObserveUndo(false)
	c.ObserveUndo(false)
	c.ObservePersist(nil)
	c.ObservePersist(errors.New("disk full"))
	c.IncCapabilityDenied()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(HandlerOptions{
		RunningSessions:  func() int { return 7 },
		PendingApprovals: func() int { return 2 },
	}).ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"actiond_up 1",
		"actiond_events_total 3",
		`actiond_events_by_type_total{type="bar\n\"x\""} 1`,
		`actiond_events_by_type_total{type="foo"} 2`,
		"actiond_approvals_created_total 2",
		"actiond_approvals_allowed_total 1",
		"actiond_approvals_denied_total 1",
		"actiond_approvals_timed_out_total 1",
		"actiond_capability_denied_total 1",
		"actiond_undo_success_total 1",
		"actiond_undo_failure_total 2",
		"actiond_registry_persist_total 1",
		"actiond_registry_persist_failures_total 1",
		"actiond_sessions_running 7",
		"actiond_approvals_pending 2",
	} {
		assert.Contains(t, body, want)
	}
	assert.NotContains(t, body, "actiond_events_dropped_total")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.IncEvent("x")
		c.ObserveApproval(true, false)
		c.ObserveUndo(false)
		c.ObservePersist(nil)
	})
}

type fakeEventStore struct {
	mu    sync.Mutex
	count int
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) Close() error { return nil }

func TestWrapEventStoreIncrementsCollector(t *testing.T) {
	c := New()
	inner := &fakeEventStore{}
	store := WrapEventStore(inner, c)

	require.NoError(t, store.AppendEvent(context.Background(), types.Event{Type: "hello"}))
	assert.Equal(t, uint64(1), c.eventsTotal.Load())
	assert.Equal(t, 1, inner.count)
	assert.Nil(t, WrapEventStore(nil, c))
}

type failingEventStore struct{ fakeEventStore }

func (*failingEventStore) AppendEvent(context.Context, types.Event) error {
	return errors.New("disk full")
}

func TestWrapEventStoreCountsFailures(t *testing.T) {
	c := New()
	store := WrapEventStore(&failingEventStore{}, c)

	assert.Error(t, store.AppendEvent(context.Background(), types.Event{Type: "hello"}))
	assert.Zero(t, c.eventsTotal.Load())
	assert.Equal(t, uint64(1), c.appendFailed.Load())

	rec := httptest.NewRecorder()
	c.Handler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "actiond_event_append_failures_total 1")
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	assert.Equal(t, []string{"a", "b", "c"}, snapshotKeys(&m))
}
