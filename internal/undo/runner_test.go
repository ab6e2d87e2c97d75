//go:build unix

package undo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRunnerTracksReversal(t *testing.T) {
	reg := execreg.New(execreg.Config{SkipRecovery: true})
	t.Cleanup(func() { _ = reg.Close() })
	runner := &SessionRunner{Spawner: execreg.NewSpawner(reg, nil)}

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "made"), 0o755))

	j := journal.New(journal.Options{})
	rec, err := j.Append(context.Background(), types.ActionRecord{
		RunID: "r", ToolName: "shell", Category: types.CategoryExec,
		Undoable: true, UndoData: CaptureExec("mkdir made", dir, "rmdir made"),
	})
	require.NoError(t, err)
	e := New(Options{Journal: j, Runner: runner})

	res := e.UndoAction(context.Background(), rec.ID)
	require.True(t, res.Success, res.Error)
	assert.NoDirExists(t, filepath.Join(dir, "made"))

	finished := reg.ListFinishedSessions()
	require.Len(t, finished, 1)
	assert.Equal(t, "rmdir made", finished[0].Command)

	// The session runner also lets a reversal finish after the caller
	// gives up.
	late, err := j.Append(context.Background(), types.ActionRecord{
		RunID: "r", ToolName: "shell", Category: types.CategoryExec,
		Undoable: true, UndoData: CaptureExec("true", dir, "sleep 0.3 && touch late"),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = e.UndoAction(ctx, late.ID)
	require.True(t, res.Success, res.Error)
	assert.FileExists(t, filepath.Join(dir, "late"))

	err = runner.RunReverse(context.Background(), "echo nope; exit 4", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 4")
}
