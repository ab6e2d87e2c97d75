//go:build linux

package trash

import (
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func captureOwnership(path string, info os.FileInfo, e *Entry, xattrs bool) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.UID = int(st.Uid)
		e.GID = int(st.Gid)
	}
	if !xattrs {
		return
	}
	names, err := listXattrs(path)
	if err != nil {
		return
	}
	for _, name := range names {
		if v, err := getXattr(path, name); err == nil {
			e.Xattrs = append(e.Xattrs, Xattr{Name: name, Value: v})
		}
	}
}

func restoreOwnership(path string, e *Entry) {
	if e.UID != os.Getuid() || e.GID != os.Getgid() {
		// only root can give files away; a failure leaves the caller as owner
		_ = os.Lchown(path, e.UID, e.GID)
	}
	for _, x := range e.Xattrs {
		_ = unix.Lsetxattr(path, x.Name, x.Value, 0)
	}
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size == 0 {
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range strings.Split(string(buf[:size]), "\x00") {
		if n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil || size <= 0 {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
