// Package approvals holds exec requests that need a human decision.
//
// A request is pending from Create until exactly one of Resolve or its
// expiry timer removes it from the pending map. Whichever removes the entry
// delivers the decision; the loser finds nothing and does nothing.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/google/uuid"
)

const (
	DefaultTimeout = 120 * time.Second
	MinTimeout     = 1000 * time.Millisecond
)

const (
	ReasonDenied        = "denied by policy"
	ReasonTimedOut      = "timed out awaiting approval"
	ReasonNotConfigured = "no approval configured"
	ReasonRejected      = "rejected by approver"
	ReasonShuttingDown  = "approval gate shutting down"
	ReasonWaitCanceled  = "approval wait canceled"
)

var (
	ErrApprovalIDConflict = errors.New("approval id already pending")
	ErrNotPending         = errors.New("approval not pending")
	ErrAlreadyWaiting     = errors.New("approval already has a waiter")
)

type Emitter interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Publish(ev types.Event)
}

// Observer receives approval counters; *metrics.Collector satisfies it.
type Observer interface {
	IncApprovalCreated()
	ObserveApproval(allowed, timedOut bool)
}

// Notifier is an approval transport told about each new request. It
// delivers the approver's answer back through Gate.Resolve.
type Notifier interface {
	Notify(rec types.ApprovalRecord)
}

type Options struct {
	DefaultTimeout time.Duration
	// MinTimeout clamps every request timeout from below. Zero means
	// MinTimeout; tests lower it to exercise expiry quickly.
	MinTimeout time.Duration
	Emitter    Emitter
	Observer   Observer
	Logger     *slog.Logger
}

type Gate struct {
	defaultTimeout time.Duration
	minTimeout     time.Duration
	emit           Emitter
	obs            Observer
	logger         *slog.Logger

	mu        sync.Mutex
	pending   map[string]*entry
	notifiers []Notifier
}

type entry struct {
	rec    types.ApprovalRecord
	ch     chan types.ApprovalOutcome
	timer  *time.Timer
	waited bool
}

func New(opts Options) *Gate {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = MinTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gate{
		defaultTimeout: opts.DefaultTimeout,
		minTimeout:     opts.MinTimeout,
		emit:           opts.Emitter,
		obs:            opts.Observer,
		logger:         opts.Logger,
		pending:        make(map[string]*entry),
	}
}

// AddNotifier registers a transport. Notifiers run on their own goroutine
// per request.
func (g *Gate) AddNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers = append(g.notifiers, n)
}

// Create registers a pending request and starts its expiry timer. A zero
// timeout selects the default; shorter timeouts are clamped up to the
// minimum.
func (g *Gate) Create(req types.ExecApprovalRequest, timeout time.Duration, explicitID string) (types.ApprovalRecord, error) {
	e, err := g.create(req, timeout, explicitID, false)
	if err != nil {
		return types.ApprovalRecord{}, err
	}
	g.announce(e.rec)
	return e.rec, nil
}

// Request creates a pending request and waits for its decision. The waiter
// is attached before any transport learns of the request, so a decision
// delivered immediately is never missed.
func (g *Gate) Request(ctx context.Context, req types.ExecApprovalRequest, timeout time.Duration) (types.ApprovalRecord, types.ApprovalOutcome, error) {
	e, err := g.create(req, timeout, "", true)
	if err != nil {
		return types.ApprovalRecord{}, types.ApprovalOutcome{}, err
	}
	g.announce(e.rec)
	out, err := g.wait(ctx, e)
	return e.rec, out, err
}

func (g *Gate) create(req types.ExecApprovalRequest, timeout time.Duration, explicitID string, waited bool) (*entry, error) {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if timeout < g.minTimeout {
		timeout = g.minTimeout
	}
	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	e := &entry{
		rec: types.ApprovalRecord{
			ID:          id,
			Request:     req,
			CreatedAtMs: now.UnixMilli(),
			ExpiresAtMs: now.Add(timeout).UnixMilli(),
		},
		ch:     make(chan types.ApprovalOutcome, 1),
		waited: waited,
	}

	g.mu.Lock()
	if _, dup := g.pending[id]; dup {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrApprovalIDConflict, id)
	}
	g.pending[id] = e
	// The timer callback takes g.mu, so it cannot observe e before the
	// timer field is set.
	e.timer = time.AfterFunc(timeout, func() { g.expire(id) })
	g.mu.Unlock()

	if g.obs != nil {
		g.obs.IncApprovalCreated()
	}
	return e, nil
}

func (g *Gate) announce(rec types.ApprovalRecord) {
	g.emitEvent("approval_requested", rec, nil)

	g.mu.Lock()
	notifiers := append([]Notifier(nil), g.notifiers...)
	g.mu.Unlock()
	for _, n := range notifiers {
		go n.Notify(rec)
	}
}

// WaitForDecision blocks until the request is decided. It fails with
// ErrNotPending for unknown or already decided ids, and with
// ErrAlreadyWaiting if another caller is waiting on the same id. A
// canceled ctx abandons the wait but leaves the request pending.
func (g *Gate) WaitForDecision(ctx context.Context, id string) (types.ApprovalOutcome, error) {
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return types.ApprovalOutcome{}, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	if e.waited {
		g.mu.Unlock()
		return types.ApprovalOutcome{}, fmt.Errorf("%w: %s", ErrAlreadyWaiting, id)
	}
	e.waited = true
	g.mu.Unlock()
	return g.wait(ctx, e)
}

func (g *Gate) wait(ctx context.Context, e *entry) (types.ApprovalOutcome, error) {
	select {
	case out := <-e.ch:
		return out, nil
	case <-ctx.Done():
		g.mu.Lock()
		if cur, ok := g.pending[e.rec.ID]; ok && cur == e {
			e.waited = false
		}
		g.mu.Unlock()
		return types.ApprovalOutcome{Decision: types.DecisionDeny, Reason: ReasonWaitCanceled}, ctx.Err()
	}
}

// Resolve delivers decision to a pending request. It reports false when the
// id is not pending or the decision is not a known value.
func (g *Gate) Resolve(id string, decision types.ApprovalDecision) bool {
	if !decision.Valid() {
		return false
	}
	reason := ""
	if !decision.Allowed() {
		reason = ReasonRejected
	}
	return g.finish(id, types.ApprovalOutcome{Decision: decision, Reason: reason})
}

func (g *Gate) expire(id string) {
	if g.finish(id, types.ApprovalOutcome{Decision: types.DecisionDeny, Reason: ReasonTimedOut, TimedOut: true}) {
		g.logger.Info("approval timed out", "approval_id", id)
	}
}

// finish is the single exit from the pending state.
func (g *Gate) finish(id string, out types.ApprovalOutcome) bool {
	g.mu.Lock()
	e, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	e.ch <- out

	if g.obs != nil {
		g.obs.ObserveApproval(out.Decision.Allowed(), out.TimedOut)
	}
	g.emitEvent("approval_resolved", e.rec, &out)
	return true
}

// Snapshot returns the pending record without side effects.
func (g *Gate) Snapshot(id string) (types.ApprovalRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[id]
	if !ok {
		return types.ApprovalRecord{}, false
	}
	return e.rec, true
}

// ListPending returns pending records, oldest first.
func (g *Gate) ListPending() []types.ApprovalRecord {
	g.mu.Lock()
	out := make([]types.ApprovalRecord, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.rec)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Shutdown denies every pending request.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.finish(id, types.ApprovalOutcome{Decision: types.DecisionDeny, Reason: ReasonShuttingDown})
	}
}

func (g *Gate) emitEvent(evType string, rec types.ApprovalRecord, out *types.ApprovalOutcome) {
	if g.emit == nil {
		return
	}
	fields := map[string]any{
		"approval_id":   rec.ID,
		"cwd":           rec.Request.Cwd,
		"host":          rec.Request.Host,
		"agent_id":      rec.Request.AgentID,
		"expires_at_ms": rec.ExpiresAtMs,
	}
	if out != nil {
		fields["decision"] = string(out.Decision)
		fields["reason"] = out.Reason
		fields["timed_out"] = out.TimedOut
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      evType,
		RunID:     rec.Request.SessionKey,
		Command:   rec.Request.Command,
		Fields:    fields,
	}
	if err := g.emit.AppendEvent(context.Background(), ev); err != nil {
		g.logger.Warn("approval event append failed", "type", evType, "approval_id", rec.ID, "error", err)
	}
	g.emit.Publish(ev)
}
