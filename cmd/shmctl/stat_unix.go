//go:build linux || darwin

package main

import (
	"os"
	"syscall"
)

// statOwnership extracts the link count, owner uid, and group gid a "list"
// row needs, from the platform-specific os.FileInfo.Sys() value.
func statOwnership(info os.FileInfo) (nlink, uid, gid uint32, ok bool) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, false
	}
	return uint32(sys.Nlink), sys.Uid, sys.Gid, true
}
