package trash

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBin(t *testing.T) (*Bin, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Config{Dir: filepath.Join(dir, ".trash"), HashLimitBytes: 1 << 20})
	require.NoError(t, err)
	return b, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestDivertAndRestore(t *testing.T) {
	b, dir := newBin(t)
	src := filepath.Join(dir, "file.txt")
	writeFile(t, src, "hello")

	e, err := b.Divert(src, Origin{RunID: "run-1", ActionID: "a1"})
	require.NoError(t, err)
	assert.NoFileExists(t, src)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "a1", e.ActionID)
	assert.NotEmpty(t, e.SHA256)
	assert.Equal(t, int64(5), e.Size)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.Token, entries[0].Token)

	restored, err := b.Restore(e.Token, "", false)
	require.NoError(t, err)
	assert.Equal(t, src, restored)
	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	entries, err = b.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDivertMissingFile(t *testing.T) {
	b, dir := newBin(t)
	_, err := b.Divert(filepath.Join(dir, "nope"), Origin{})
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDivertRefusesDirectory(t *testing.T) {
	b, dir := newBin(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	_, err := b.Divert(sub, Origin{})
	assert.Error(t, err)
	assert.DirExists(t, sub)
}

func TestRestoreRefusesExistingDestination(t *testing.T) {
	b, dir := newBin(t)
	src := filepath.Join(dir, "f")
	writeFile(t, src, "old")
	e, err := b.Divert(src, Origin{})
	require.NoError(t, err)

	writeFile(t, src, "new")
	_, err = b.Restore(e.Token, "", false)
	assert.True(t, errors.Is(err, ErrDestinationExists))

	_, err = b.Restore(e.Token, "", true)
	require.NoError(t, err)
	got, _ := os.ReadFile(src)
	assert.Equal(t, "old", string(got))
}

func TestRestoreToOtherDestination(t *testing.T) {
	b, dir := newBin(t)
	src := filepath.Join(dir, "f")
	writeFile(t, src, "x")
	e, err := b.Divert(src, Origin{})
	require.NoError(t, err)

	dest := filepath.Join(dir, "nested", "copy")
	got, err := b.Restore(e.Token, dest, false)
	require.NoError(t, err)
	assert.Equal(t, dest, got)
	assert.FileExists(t, dest)
	assert.NoFileExists(t, src)
}

func TestRestoreDetectsTamperedPayload(t *testing.T) {
	b, dir := newBin(t)
	src := filepath.Join(dir, "f")
	writeFile(t, src, "original")
	e, err := b.Divert(src, Origin{})
	require.NoError(t, err)

	writeFile(t, b.payloadPath(e.Token), "tampered")
	_, err = b.Restore(e.Token, "", false)
	assert.True(t, errors.Is(err, ErrHashMismatch))
	assert.NoFileExists(t, src)
}

func TestRestoreUnknownToken(t *testing.T) {
	b, _ := newBin(t)
	_, err := b.Restore("missing", "", false)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
	_, err = b.Restore("../escape", "", false)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestPurgeByTTL(t *testing.T) {
	b, dir := newBin(t)
	for _, name := range []string{"a", "b"} {
		p := filepath.Join(dir, name)
		writeFile(t, p, name)
		_, err := b.Divert(p, Origin{RunID: "r"})
		require.NoError(t, err)
	}

	res, err := b.Purge(PurgeOptions{TTL: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, res.Removed)

	res, err = b.Purge(PurgeOptions{TTL: time.Hour, Now: time.Now().Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, int64(2), res.BytesReclaimed)

	entries, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeDryRunKeepsEntries(t *testing.T) {
	b, dir := newBin(t)
	p := filepath.Join(dir, "f")
	writeFile(t, p, "hello world")
	e, err := b.Divert(p, Origin{})
	require.NoError(t, err)

	res, err := b.Purge(PurgeOptions{TTL: time.Hour, Now: time.Now().Add(48 * time.Hour), DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, e.Size, res.BytesReclaimed)

	entries, err := b.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPurgeByQuotaDropsOldestFirst(t *testing.T) {
	b, dir := newBin(t)
	var tokens []string
	for _, name := range []string{"one", "two", "three"} {
		p := filepath.Join(dir, name)
		writeFile(t, p, "12345")
		e, err := b.Divert(p, Origin{})
		require.NoError(t, err)
		tokens = append(tokens, e.Token)
		time.Sleep(2 * time.Millisecond)
	}

	res, err := b.Purge(PurgeOptions{QuotaBytes: 10})
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, tokens[0], res.Removed[0].Token)

	entries, err := b.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPurgeByRun(t *testing.T) {
	b, dir := newBin(t)
	for i, run := range []string{"keep", "drop", "drop"} {
		p := filepath.Join(dir, run+string(rune('0'+i)))
		writeFile(t, p, "x")
		_, err := b.Divert(p, Origin{RunID: run})
		require.NoError(t, err)
	}

	res, err := b.Purge(PurgeOptions{RunID: "drop"})
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].RunID)
}
