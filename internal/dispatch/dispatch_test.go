package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/internal/undo"
	"github.com/agentsh/actiond/pkg/ratelimit"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// autoApprover answers every request with a fixed decision.
type autoApprover struct {
	gate     *approvals.Gate
	decision types.ApprovalDecision
	calls    atomic.Int32
}

func (a *autoApprover) Notify(rec types.ApprovalRecord) {
	a.calls.Add(1)
	a.gate.Resolve(rec.ID, a.decision)
}

type fixture struct {
	caps    *capabilities.Store
	journal *journal.Journal
	gate    *approvals.Gate
	disp    *Dispatcher
	dir     string
}

func newFixture(t *testing.T, gated []types.ActionCategory, decision types.ApprovalDecision) (*fixture, *autoApprover) {
	t.Helper()
	f := &fixture{
		caps:    capabilities.NewStore(),
		journal: journal.New(journal.Options{}),
		gate:    approvals.New(approvals.Options{MinTimeout: 10 * time.Millisecond}),
		dir:     t.TempDir(),
	}
	var approver *autoApprover
	if decision != "" {
		approver = &autoApprover{gate: f.gate, decision: decision}
		f.gate.AddNotifier(approver)
	}
	t.Cleanup(f.gate.Shutdown)
	f.disp = New(Options{
		Capabilities:       f.caps,
		Journal:            f.journal,
		Approver:           f.gate,
		ApprovalCategories: gated,
		ApprovalTimeout:    50 * time.Millisecond,
		Tools:              []Tool{WriteFile{}, ReadFile{}},
	})
	return f, approver
}

func (f *fixture) write(runID, name, content string) Invocation {
	return Invocation{
		RunID: runID,
		Tool:  "write_file",
		Cwd:   f.dir,
		Args:  map[string]any{"path": name, "content": content},
	}
}

func TestInvoke_DeniedCapabilityJournalsNothing(t *testing.T) {
	f, _ := newFixture(t, nil, "")
	_, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, capabilities.ErrAuthorizationDenied))
	assert.Contains(t, err.Error(), "denied by policy")
	assert.Equal(t, 0, f.journal.Len())
	assert.NoFileExists(t, filepath.Join(f.dir, "a.txt"))
}

func TestInvoke_WriteIsJournaledAndUndoable(t *testing.T) {
	f, _ := newFixture(t, nil, "")
	require.NoError(t, f.caps.Grant("r", "fs.write:"+f.dir+"/**"))
	path := filepath.Join(f.dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	res, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "modified"))
	require.NoError(t, err)
	assert.True(t, res.Record.Undoable)
	assert.Equal(t, types.ApprovalStateAutoApproved, res.Record.Approval)
	assert.NotNil(t, res.Record.CompletedAt)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "modified", string(got))

	e := undo.New(undo.Options{Journal: f.journal})
	out := e.UndoLastN(context.Background(), 1, "r")
	require.Len(t, out, 1)
	require.True(t, out[0].Success, out[0].Error)
	got, _ = os.ReadFile(path)
	assert.Equal(t, "original", string(got))
}

func TestInvoke_FailedToolIsJournaledNotUndoable(t *testing.T) {
	f, _ := newFixture(t, nil, "")
	require.NoError(t, f.caps.Grant("r", "fs.read:*"))

	res, err := f.disp.Invoke(context.Background(), Invocation{
		RunID: "r", Tool: "read_file", Cwd: f.dir,
		Args: map[string]any{"path": "missing.txt"},
	})
	require.Error(t, err)
	assert.False(t, res.Record.Undoable)
	assert.NotEmpty(t, res.Record.Error)
	assert.Equal(t, 1, f.journal.Len())
}

func TestInvoke_ApprovalAllowOnce(t *testing.T) {
	f, approver := newFixture(t, []types.ActionCategory{types.CategoryMutate}, types.DecisionAllowOnce)
	require.NoError(t, f.caps.Grant("r", "fs.write:*"))

	res, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalStateApproved, res.Record.Approval)

	_, err = f.disp.Invoke(context.Background(), f.write("r", "a.txt", "y"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), approver.calls.Load(), "allow-once must ask again")
	assert.Empty(t, f.disp.Allowlist("r"))
}

func TestInvoke_ApprovalAllowAlwaysSkipsGateForSameCapability(t *testing.T) {
	f, approver := newFixture(t, []types.ActionCategory{types.CategoryMutate}, types.DecisionAllowAlways)
	require.NoError(t, f.caps.Grant("r", "fs.write:*"))
	require.NoError(t, f.caps.Grant("other", "fs.write:*"))

	for i := 0; i < 3; i++ {
		_, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), approver.calls.Load())
	assert.Equal(t, []string{"fs.write:" + filepath.Join(f.dir, "a.txt")}, f.disp.Allowlist("r"))

	res, err := f.disp.Invoke(context.Background(), f.write("r", "b.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalStateApproved, res.Record.Approval)
	assert.Equal(t, int32(2), approver.calls.Load())

	_, err = f.disp.Invoke(context.Background(), f.write("other", "a.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), approver.calls.Load(), "allowlist is per scope")
}

func TestInvoke_ApprovalDenied(t *testing.T) {
	f, _ := newFixture(t, []types.ActionCategory{types.CategoryMutate}, types.DecisionDeny)
	require.NoError(t, f.caps.Grant("r", "fs.write:*"))

	_, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
	assert.True(t, errors.Is(err, ErrApprovalRejected))
	assert.Equal(t, 0, f.journal.Len())
	assert.NoFileExists(t, filepath.Join(f.dir, "a.txt"))
}

func TestInvoke_ApprovalTimeout(t *testing.T) {
	f, _ := newFixture(t, []types.ActionCategory{types.CategoryMutate}, "")
	require.NoError(t, f.caps.Grant("r", "fs.write:*"))

	start := time.Now()
	_, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
	assert.True(t, errors.Is(err, ErrApprovalTimeout))
	assert.Contains(t, err.Error(), "timed out awaiting approval")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, f.journal.Len())
	assert.Equal(t, 0, f.gate.PendingCount())
}

func TestInvoke_NoApproverConfigured(t *testing.T) {
	caps := capabilities.NewStore()
	require.NoError(t, caps.Grant("r", "fs.write:*"))
	d := New(Options{
		Capabilities:       caps,
		Journal:            journal.New(journal.Options{}),
		ApprovalCategories: []types.ActionCategory{types.CategoryMutate},
		Tools:              []Tool{WriteFile{}},
	})
	_, err := d.Invoke(context.Background(), Invocation{
		RunID: "r", Tool: "write_file", Cwd: t.TempDir(),
		Args: map[string]any{"path": "a", "content": "x"},
	})
	assert.True(t, errors.Is(err, ErrNoApprovalConfigured))
	assert.Contains(t, err.Error(), "no approval configured")
}

func TestInvoke_UngatedCategoryBypassesApproval(t *testing.T) {
	f, approver := newFixture(t, []types.ActionCategory{types.CategoryExec}, types.DecisionDeny)
	require.NoError(t, f.caps.Grant("r", "fs.write:*"))
	_, err := f.disp.Invoke(context.Background(), f.write("r", "a.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, int32(0), approver.calls.Load())
}

func TestInvoke_UnknownToolAndBadArgs(t *testing.T) {
	f, _ := newFixture(t, nil, "")
	_, err := f.disp.Invoke(context.Background(), Invocation{RunID: "r", Tool: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownTool))

	_, err = f.disp.Invoke(context.Background(), Invocation{RunID: "r", Tool: "write_file", Args: map[string]any{}})
	assert.True(t, errors.Is(err, ErrInvalidArgs))
	assert.Contains(t, err.Error(), "path")
	assert.Equal(t, []string{"read_file", "write_file"}, f.disp.Tools())
}

func TestInvoke_RateLimitedPerRun(t *testing.T) {
	caps := capabilities.NewStore()
	require.NoError(t, caps.Grant("r1", "fs.write:*"))
	require.NoError(t, caps.Grant("r2", "fs.write:*"))
	j := journal.New(journal.Options{})
	d := New(Options{
		Capabilities: caps,
		Journal:      j,
		Tools:        []Tool{WriteFile{}},
		Limiter:      ratelimit.NewLimiter(ratelimit.Config{PerSecond: 0.001, Burst: 1}),
	})
	dir := t.TempDir()
	inv := func(run string) Invocation {
		return Invocation{RunID: run, Tool: "write_file", Cwd: dir, Args: map[string]any{"path": run, "content": "x"}}
	}

	_, err := d.Invoke(context.Background(), inv("r1"))
	require.NoError(t, err)
	_, err = d.Invoke(context.Background(), inv("r1"))
	assert.True(t, errors.Is(err, ErrRateLimited))
	_, err = d.Invoke(context.Background(), inv("r2"))
	require.NoError(t, err)
	assert.Equal(t, 2, j.Len())
}
