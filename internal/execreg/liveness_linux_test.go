//go:build linux

package execreg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessAlive_StartTimeMismatchReadsDead(t *testing.T) {
	pid := os.Getpid()
	ticks, err := processStartTicks(pid)
	require.NoError(t, err)
	require.NotZero(t, ticks)

	assert.True(t, processAlive(pid, ticks))
	assert.True(t, processAlive(pid, 0), "unknown start time falls back to the pid probe")
	assert.False(t, processAlive(pid, ticks+1), "a recycled pid must not count as the original process")
	assert.False(t, processAlive(0, 0))
}
