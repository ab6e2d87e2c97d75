//go:build linux

package execreg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0. When startTicks is known it must
// also match the process start time, so a recycled pid reads as dead.
func processAlive(pid int, startTicks uint64) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if startTicks == 0 {
		return true
	}
	cur, err := processStartTicks(pid)
	if err != nil {
		// Gone between the probe and the read.
		return false
	}
	return cur == startTicks
}

// processStartTicks reads field 22 (starttime) of /proc/<pid>/stat.
func processStartTicks(pid int) (uint64, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	// comm (field 2) may contain spaces and parens; fields resume after the
	// last ')'.
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	// fields[0] is field 3 (state), so starttime is fields[19].
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}
