//go:build linux || darwin

package mclock

import "golang.org/x/sys/unix"

func init() {
	now = clockGettimeMonotonic
}

// clockGettimeMonotonic samples CLOCK_MONOTONIC directly from the kernel, a
// single host-wide clock every process attaching a segment shares — unlike a
// time.Now() epoch, which restarts at every process's own launch and would
// make cross-process subtraction meaningless.
func clockGettimeMonotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is mandatory on every platform this branch builds
		// for; a failure here means something is badly wrong with the host,
		// not a condition callers can usefully recover from.
		panic("mclock: clock_gettime(CLOCK_MONOTONIC): " + err.Error())
	}
	return uint64(ts.Sec)*1e6 + uint64(ts.Nsec)/1e3
}
