//go:build unix && !linux

package trash

import (
	"os"
	"syscall"
)

func captureOwnership(_ string, info os.FileInfo, e *Entry, _ bool) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.UID = int(st.Uid)
		e.GID = int(st.Gid)
	}
}

func restoreOwnership(path string, e *Entry) {
	if e.UID != os.Getuid() || e.GID != os.Getgid() {
		_ = os.Lchown(path, e.UID, e.GID)
	}
}
