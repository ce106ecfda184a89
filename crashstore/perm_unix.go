//go:build unix

package crashstore

import (
	"os"
	"syscall"
)

// readable checks the permission bits that apply to the current process,
// rather than trusting a later open to fail.
func readable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	mode := fi.Mode().Perm()
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return mode&0o444 != 0
	}
	switch {
	case int(st.Uid) == os.Getuid():
		return mode&0o400 != 0
	case inGroup(int(st.Gid)):
		return mode&0o040 != 0
	default:
		return mode&0o004 != 0
	}
}

func inGroup(gid int) bool {
	if gid == os.Getgid() {
		return true
	}
	groups, err := os.Getgroups()
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g == gid {
			return true
		}
	}
	return false
}
