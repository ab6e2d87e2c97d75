package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	store, err := New(path, 1<<20, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.AppendEvent(ctx, types.Event{ID: "1", Type: "a"}))
	// Push the file past the limit so the next append rotates it.
	require.NoError(t, store.AppendEvent(ctx, types.Event{ID: "2", Type: strings.Repeat("x", 2<<20)}))
	require.NoError(t, store.AppendEvent(ctx, types.Event{ID: "3", Type: "b"}))

	_, err = os.Stat(path + ".1")
	require.NoError(t, err, "expected rotated backup .1")

	got, err := store.QueryEvents(ctx, types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

func TestQueryFilters(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "events.log"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, ev := range []types.Event{
		{ID: "1", RunID: "r1", Type: "action_recorded", Path: "/work/a.txt"},
		{ID: "2", RunID: "r1", Type: "action_undone", Path: "/work/a.txt"},
		{ID: "3", RunID: "r2", Type: "action_recorded", Command: "make build"},
	} {
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	got, err := store.QueryEvents(ctx, types.EventQuery{RunID: "r1", Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)

	got, err = store.QueryEvents(ctx, types.EventQuery{Types: []string{"action_recorded"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)

	got, err = store.QueryEvents(ctx, types.EventQuery{TextLike: "%make%"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = store.QueryEvents(ctx, types.EventQuery{PathLike: "a.txt"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
