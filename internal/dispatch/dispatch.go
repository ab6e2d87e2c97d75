// Package dispatch runs one tool invocation through the safety pipeline:
// capability check, optional human approval, backup, execution and
// journaling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrUnknownTool          = errors.New("unknown tool")
	ErrApprovalRejected     = errors.New(approvals.ReasonRejected)
	ErrApprovalTimeout      = errors.New(approvals.ReasonTimedOut)
	ErrNoApprovalConfigured = errors.New(approvals.ReasonNotConfigured)
	ErrBackupFailed         = errors.New("backup before mutate failed")
	ErrRateLimited          = errors.New("invocation rate limit exceeded")
)

// Tool is an adapter the dispatcher can run.
type Tool interface {
	Name() string
	Category() types.ActionCategory
	// Capability is the "domain.verb:selector" string checked before the
	// tool runs.
	Capability(inv Invocation) (string, error)
	// Describe renders the invocation for an approver.
	Describe(inv Invocation) string
	Execute(ctx context.Context, inv Invocation) (string, error)
}

// Reversible tools capture undo data before Execute mutates anything.
type Reversible interface {
	Capture(ctx context.Context, inv Invocation) (types.UndoData, error)
}

// MultiCapability tools need grants beyond their primary capability, such
// as the program a shell call registers as its reverse command.
type MultiCapability interface {
	ExtraCapabilities(inv Invocation) ([]string, error)
}

// Approver is satisfied by *approvals.Gate.
type Approver interface {
	Request(ctx context.Context, req types.ExecApprovalRequest, timeout time.Duration) (types.ApprovalRecord, types.ApprovalOutcome, error)
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(runID string) bool
}

type Observer interface {
	IncCapabilityDenied()
}

type Invocation struct {
	RunID   string         `json:"run_id"`
	AgentID string         `json:"agent_id,omitempty"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Cwd     string         `json:"cwd,omitempty"`
	Host    string         `json:"host,omitempty"`
}

type Result struct {
	Record types.ActionRecord `json:"record"`
	Output string             `json:"output,omitempty"`
}

type Options struct {
	Capabilities *capabilities.Store
	Journal      *journal.Journal
	// Approver may be nil; invocations in ApprovalCategories then fail with
	// ErrNoApprovalConfigured.
	Approver           Approver
	ApprovalCategories []types.ActionCategory
	ApprovalTimeout    time.Duration
	Tools              []Tool
	Emitter            journal.Emitter
	Observer           Observer
	// Limiter, when set, bounds invocations per run.
	Limiter RateLimiter
	Logger  *slog.Logger
}

type Dispatcher struct {
	caps     *capabilities.Store
	journal  *journal.Journal
	approver Approver
	gated    map[types.ActionCategory]bool
	timeout  time.Duration
	emit     journal.Emitter
	observer Observer
	limiter  RateLimiter
	logger   *slog.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*argSchema
	// allowed holds capabilities approved with allow-always, per scope.
	allowed map[string]map[string]struct{}
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		caps:     opts.Capabilities,
		journal:  opts.Journal,
		approver: opts.Approver,
		gated:    make(map[types.ActionCategory]bool, len(opts.ApprovalCategories)),
		timeout:  opts.ApprovalTimeout,
		emit:     opts.Emitter,
		observer: opts.Observer,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
		tools:    make(map[string]Tool),
		schemas:  make(map[string]*argSchema),
		allowed:  make(map[string]map[string]struct{}),
	}
	for _, c := range opts.ApprovalCategories {
		d.gated[c] = true
	}
	for _, t := range opts.Tools {
		d.Register(t)
	}
	return d
}

// Register adds t, replacing any tool of the same name. It panics when a
// Typed tool's argument struct cannot be turned into a schema.
func (d *Dispatcher) Register(t Tool) {
	var sch *argSchema
	if typed, ok := t.(Typed); ok {
		var err error
		if sch, err = reflectArgs(t.Name(), typed.ArgsShape()); err != nil {
			panic(fmt.Sprintf("dispatch: register %s: %v", t.Name(), err))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[t.Name()] = t
	delete(d.schemas, t.Name())
	if sch != nil {
		d.schemas[t.Name()] = sch
	}
}

func (d *Dispatcher) Tools() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tools))
	for n := range d.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Catalog lists every tool with its category and argument schema.
func (d *Dispatcher) Catalog() []ToolInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ToolInfo, 0, len(d.tools))
	for name, t := range d.tools {
		info := ToolInfo{Name: name, Category: t.Category()}
		if sch := d.schemas[name]; sch != nil {
			info.Args = sch.raw
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs inv. Authorization and approval failures return before
// anything is journaled. A tool that fails after running is journaled and
// its error returned alongside the record.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	d.mu.RLock()
	tool, ok := d.tools[inv.Tool]
	sch := d.schemas[inv.Tool]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}
	if d.limiter != nil && !d.limiter.Allow(inv.RunID) {
		d.logger.Warn("invocation throttled", "run_id", inv.RunID, "tool", inv.Tool)
		return Result{}, fmt.Errorf("%w: run %s", ErrRateLimited, inv.RunID)
	}
	if sch != nil {
		if err := sch.validate(inv.Args); err != nil {
			return Result{}, fmt.Errorf("%s: %w", tool.Name(), err)
		}
	}

	required, err := requiredCapabilities(tool, inv)
	if err != nil {
		return Result{}, err
	}
	for _, c := range required {
		if err := d.caps.Authorize(inv.RunID, c); err != nil {
			d.denied(inv, c)
			return Result{}, err
		}
	}

	approval, err := d.approve(ctx, inv, tool, strings.Join(required, " "))
	if err != nil {
		return Result{}, err
	}

	var undo types.UndoData
	if rv, ok := tool.(Reversible); ok {
		undo, err = rv.Capture(ctx, inv)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
	}

	rec, err := d.journal.Append(ctx, types.ActionRecord{
		RunID:    inv.RunID,
		ToolName: tool.Name(),
		Category: tool.Category(),
		Args:     inv.Args,
		Approval: approval,
	})
	if err != nil {
		return Result{}, fmt.Errorf("journal append: %w", err)
	}

	out, execErr := tool.Execute(ctx, inv)
	rec, err = d.journal.Complete(ctx, rec.ID, journal.Completion{Result: out, Err: execErr, UndoData: undo})
	if err != nil {
		return Result{}, fmt.Errorf("journal complete: %w", err)
	}
	if execErr != nil {
		return Result{Record: rec, Output: out}, fmt.Errorf("%s: %w", tool.Name(), execErr)
	}
	return Result{Record: rec, Output: out}, nil
}

func requiredCapabilities(tool Tool, inv Invocation) ([]string, error) {
	primary, err := tool.Capability(inv)
	if err != nil {
		return nil, err
	}
	out := []string{primary}
	if mc, ok := tool.(MultiCapability); ok {
		extra, err := mc.ExtraCapabilities(inv)
		if err != nil {
			return nil, err
		}
		for _, c := range extra {
			if c != primary {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// approve asks for a decision on capability, which holds every capability
// the invocation needs separated by spaces. Allow-always remembers exactly
// that set.
func (d *Dispatcher) approve(ctx context.Context, inv Invocation, tool Tool, capability string) (types.ApprovalState, error) {
	if !d.gated[tool.Category()] || d.isAllowed(inv.RunID, capability) {
		return types.ApprovalStateAutoApproved, nil
	}
	if d.approver == nil {
		return types.ApprovalStateRejected, ErrNoApprovalConfigured
	}
	req := types.ExecApprovalRequest{
		Command:      tool.Describe(inv),
		Cwd:          inv.Cwd,
		Host:         inv.Host,
		Ask:          capability,
		AgentID:      inv.AgentID,
		ResolvedPath: tool.Name(),
		SessionKey:   inv.RunID,
	}
	rec, out, err := d.approver.Request(ctx, req, d.timeout)
	if err != nil {
		return types.ApprovalStateRejected, err
	}
	switch {
	case out.TimedOut:
		return types.ApprovalStateRejected, fmt.Errorf("%w: approval %s", ErrApprovalTimeout, rec.ID)
	case !out.Decision.Allowed():
		return types.ApprovalStateRejected, fmt.Errorf("%w: approval %s: %s", ErrApprovalRejected, rec.ID, out.Reason)
	}
	if out.Decision == types.DecisionAllowAlways {
		d.allow(inv.RunID, capability)
	}
	return types.ApprovalStateApproved, nil
}

func (d *Dispatcher) isAllowed(scope, capability string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.allowed[scope][capability]
	return ok
}

func (d *Dispatcher) allow(scope, capability string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.allowed[scope]
	if !ok {
		set = make(map[string]struct{})
		d.allowed[scope] = set
	}
	set[capability] = struct{}{}
}

// Allowlist returns the capabilities approved with allow-always in scope.
func (d *Dispatcher) Allowlist(scope string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.allowed[scope]))
	for c := range d.allowed[scope] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) denied(inv Invocation, capability string) {
	if d.observer != nil {
		d.observer.IncCapabilityDenied()
	}
	d.logger.Info("capability denied", "run_id", inv.RunID, "tool", inv.Tool, "capability", capability)
	if d.emit == nil {
		return
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      events.CapabilityDenied,
		RunID:     inv.RunID,
		Fields: map[string]any{
			"tool":       inv.Tool,
			"capability": capability,
			"agent_id":   inv.AgentID,
		},
	}
	if err := d.emit.AppendEvent(context.Background(), ev); err != nil {
		d.logger.Warn("capability event append failed", "run_id", inv.RunID, "error", err)
	}
	d.emit.Publish(ev)
}
