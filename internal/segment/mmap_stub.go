//go:build !linux && !darwin

package segment

import (
	"errors"
	"os"
)

var errUnsupportedPlatform = errors.New("segment: shared memory mapping not supported on this platform")

func init() {
	mmapFile = func(f *os.File, size int) ([]byte, error) { return nil, errUnsupportedPlatform }
	unmapMemory = func([]byte) error { return errUnsupportedPlatform }
	devShmUsable = func() bool { return false }
}

func stillLinked(info os.FileInfo) bool { return true }

func soleReferrer(f *os.File) bool { return true }
