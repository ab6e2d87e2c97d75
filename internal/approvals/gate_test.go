package approvals

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *stubEmitter) AppendEvent(ctx context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *stubEmitter) Publish(ev types.Event) {}

func (s *stubEmitter) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingObserver struct {
	created, allowed, denied, timedOut atomic.Int64
}

func (c *countingObserver) IncApprovalCreated() { c.created.Add(1) }

func (c *countingObserver) ObserveApproval(allowed, timedOut bool) {
	switch {
	case timedOut:
		c.timedOut.Add(1)
	case allowed:
		c.allowed.Add(1)
	default:
		c.denied.Add(1)
	}
}

func newTestGate(em Emitter) *Gate {
	return New(Options{MinTimeout: 10 * time.Millisecond, Emitter: em})
}

var lsRequest = types.ExecApprovalRequest{Command: "rm -rf build", Cwd: "/work", SessionKey: "run-1"}

func TestResolveBeforeTimeout(t *testing.T) {
	em := &stubEmitter{}
	g := newTestGate(em)

	rec, err := g.Create(lsRequest, 5*time.Second, "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Greater(t, rec.ExpiresAtMs, rec.CreatedAtMs)

	done := make(chan types.ApprovalOutcome, 1)
	go func() {
		out, err := g.WaitForDecision(context.Background(), rec.ID)
		assert.NoError(t, err)
		done <- out
	}()

	// Let the waiter attach before resolving.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.pending[rec.ID].waited
	}, time.Second, time.Millisecond)

	assert.True(t, g.Resolve(rec.ID, types.DecisionDeny))
	assert.False(t, g.Resolve(rec.ID, types.DecisionDeny), "second resolve must report failure")

	select {
	case out := <-done:
		assert.Equal(t, types.DecisionDeny, out.Decision)
		assert.Equal(t, ReasonRejected, out.Reason)
		assert.False(t, out.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received decision")
	}
	assert.Equal(t, []string{"approval_requested", "approval_resolved"}, em.eventTypes())
}

func TestTimeoutDeniesAndClearsPending(t *testing.T) {
	g := newTestGate(nil)

	start := time.Now()
	rec, err := g.Create(lsRequest, 50*time.Millisecond, "")
	require.NoError(t, err)

	out, err := g.WaitForDecision(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, out.Decision)
	assert.True(t, out.TimedOut)
	assert.Equal(t, ReasonTimedOut, out.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	_, ok := g.Snapshot(rec.ID)
	assert.False(t, ok)
	assert.False(t, g.Resolve(rec.ID, types.DecisionAllowOnce))
	_, err = g.WaitForDecision(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestTimeoutClampedToMinimum(t *testing.T) {
	g := New(Options{})
	rec, err := g.Create(lsRequest, 50*time.Millisecond, "")
	require.NoError(t, err)
	defer g.Resolve(rec.ID, types.DecisionDeny)
	assert.Equal(t, MinTimeout.Milliseconds(), rec.ExpiresAtMs-rec.CreatedAtMs)

	rec2, err := g.Create(lsRequest, 0, "")
	require.NoError(t, err)
	defer g.Resolve(rec2.ID, types.DecisionDeny)
	assert.Equal(t, DefaultTimeout.Milliseconds(), rec2.ExpiresAtMs-rec2.CreatedAtMs)
}

func TestDuplicateExplicitID(t *testing.T) {
	g := newTestGate(nil)
	_, err := g.Create(lsRequest, time.Second, "fixed")
	require.NoError(t, err)

	_, err = g.Create(lsRequest, time.Second, "fixed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrApprovalIDConflict))

	require.True(t, g.Resolve("fixed", types.DecisionAllowOnce))
	_, err = g.Create(lsRequest, time.Second, "fixed")
	assert.NoError(t, err, "an id may be reused once it is no longer pending")
	g.Resolve("fixed", types.DecisionDeny)
}

func TestWaitUnknownID(t *testing.T) {
	g := newTestGate(nil)
	_, err := g.WaitForDecision(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.False(t, g.Resolve("nope", types.DecisionDeny))
}

func TestSecondWaiterRejected(t *testing.T) {
	g := newTestGate(nil)
	rec, err := g.Create(lsRequest, time.Second, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = g.WaitForDecision(ctx, rec.ID) }()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.pending[rec.ID].waited
	}, time.Second, time.Millisecond)

	_, err = g.WaitForDecision(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	cancel()
	// A canceled waiter detaches; the request stays pending.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.pending[rec.ID].waited
	}, time.Second, time.Millisecond)
	_, ok := g.Snapshot(rec.ID)
	assert.True(t, ok)
	g.Resolve(rec.ID, types.DecisionDeny)
}

func TestInvalidDecisionLeavesPending(t *testing.T) {
	g := newTestGate(nil)
	rec, err := g.Create(lsRequest, time.Second, "")
	require.NoError(t, err)
	assert.False(t, g.Resolve(rec.ID, "maybe"))
	_, ok := g.Snapshot(rec.ID)
	assert.True(t, ok)
	g.Resolve(rec.ID, types.DecisionDeny)
}

func TestResolveRacesTimeoutOneWinner(t *testing.T) {
	obs := &countingObserver{}
	g := New(Options{MinTimeout: time.Millisecond, Observer: obs})

	const n = 50
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		rec, err := g.Create(lsRequest, 5*time.Millisecond, "")
		require.NoError(t, err)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			if g.Resolve(id, types.DecisionAllowOnce) {
				wins.Add(1)
			}
		}(rec.ID)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return g.PendingCount() == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, int64(n), obs.created.Load())
	assert.Equal(t, int64(n), obs.allowed.Load()+obs.timedOut.Load(), "exactly one decision per request")
	assert.Equal(t, wins.Load(), obs.allowed.Load())
}

func TestRequestSeesImmediateDecision(t *testing.T) {
	g := newTestGate(nil)
	g.AddNotifier(notifierFunc(func(rec types.ApprovalRecord) {
		g.Resolve(rec.ID, types.DecisionAllowAlways)
	}))

	rec, out, err := g.Request(context.Background(), lsRequest, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, types.DecisionAllowAlways, out.Decision)
}

func TestListPendingAndShutdown(t *testing.T) {
	g := newTestGate(nil)
	a, err := g.Create(lsRequest, time.Minute, "a")
	require.NoError(t, err)
	b, err := g.Create(lsRequest, time.Minute, "b")
	require.NoError(t, err)

	pending := g.ListPending()
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{pending[0].ID, pending[1].ID})

	g.Shutdown()
	assert.Empty(t, g.ListPending())
}

type notifierFunc func(types.ApprovalRecord)

func (f notifierFunc) Notify(rec types.ApprovalRecord) { f(rec) }
