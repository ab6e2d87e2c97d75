//go:build unix

package execreg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSpawnerRunCapturesOutput(t *testing.T) {
	r := newTestRegistry(t, Config{SkipRecovery: true})
	sp := NewSpawner(r, nil)

	ps, err := sp.Run(context.Background(), SpawnRequest{Command: "echo hello; echo oops >&2", Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStatusCompleted, ps.Status)
	require.NotNil(t, ps.ExitCode)
	assert.Equal(t, 0, *ps.ExitCode)
	assert.Contains(t, ps.Aggregated, "hello")
	assert.Contains(t, ps.Aggregated, "oops")
	assert.NotZero(t, ps.PID)
}

func TestSpawnerRunFailure(t *testing.T) {
	r := newTestRegistry(t, Config{SkipRecovery: true})
	ps, err := NewSpawner(r, nil).Run(context.Background(), SpawnRequest{Command: "true; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStatusFailed, ps.Status)
	require.NotNil(t, ps.ExitCode)
	assert.Equal(t, 3, *ps.ExitCode)
}

func TestSpawnerRunsPlainCommandsWithoutShell(t *testing.T) {
	r := newTestRegistry(t, Config{SkipRecovery: true})
	sp := NewSpawner(r, nil)

	ps, err := sp.Run(context.Background(), SpawnRequest{Command: "echo a=b %s"})
	require.NoError(t, err)
	assert.Equal(t, "a=b %s\n", ps.Aggregated)

	// A builtin is only reachable through the shell.
	_, err = sp.Spawn(SpawnRequest{Command: "exit 3"})
	require.Error(t, err)
	assert.Empty(t, r.ListRunningSessions())
}

func TestSpawnerPTY(t *testing.T) {
	r := newTestRegistry(t, Config{SkipRecovery: true})
	ps, err := NewSpawner(r, nil).Run(context.Background(), SpawnRequest{Command: "echo from-pty", PTY: true})
	require.NoError(t, err)
	assert.True(t, ps.IsPTY)
	assert.Contains(t, ps.Aggregated, "from-pty")
}

func TestSpawnerKill(t *testing.T) {
	r := newTestRegistry(t, Config{SkipRecovery: true})
	sp := NewSpawner(r, nil)
	sess, err := sp.Spawn(SpawnRequest{Command: "sleep 30", Backgrounded: true})
	require.NoError(t, err)

	_, running := r.GetSession(sess.ID())
	require.True(t, running)
	require.NoError(t, sp.Kill(sess.ID(), unix.SIGTERM))

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
	ps, ok := r.GetFinishedSession(sess.ID())
	require.True(t, ok)
	assert.Equal(t, types.ProcessStatusFailed, ps.Status)
	assert.True(t, strings.HasPrefix(ps.ExitSignal, "SIG"))
}

func TestSpawnerRequiresRecovery(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := NewSpawner(r, nil).Spawn(SpawnRequest{Command: "true"})
	assert.ErrorIs(t, err, ErrNotRecovered)
}
