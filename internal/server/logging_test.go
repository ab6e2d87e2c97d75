package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsh/actiond/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalKey(t *testing.T) {
	assert.Equal(t, "RUN_ID", journalKey("run_id"))
	assert.Equal(t, "HTTP_ADDR", journalKey("http.addr"))
	assert.Equal(t, "A1_B", journalKey("a1-b"))
}

func TestNewLoggerWithJournalKeepsPrimaryOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actiond.log")
	logger, closer, err := NewLogger(config.LoggingConfig{Level: "info", Format: "text", Output: path, Journal: true})
	require.NoError(t, err)
	logger.Info("journal fanout", "run_id", "r1")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "journal fanout")
	assert.Contains(t, string(b), "run_id=r1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
