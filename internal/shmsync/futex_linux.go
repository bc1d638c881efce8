//go:build linux && (amd64 || arm64)

package shmsync

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// These deliberately omit FUTEX_PRIVATE_FLAG. The private variants tell the
// kernel to key the futex off the calling process's mm_struct plus virtual
// address, which only matches up for threads sharing one address space. The
// word behind a Cond lives in a POSIX shared-memory mapping at a different
// virtual address in every process that attaches it, so waiter and waker
// must use the shared (non-private) ops, which key off the backing page
// instead.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// futexWait blocks while *addr == val, waking on a matching futexWake or a
// spurious signal. Callers must re-check their condition after it returns.
func futexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		0,
		0,
		0,
	)

	if errno != 0 {
		if errno == syscall.EAGAIN || errno == syscall.EINTR {
			return nil
		}
		return fmt.Errorf("shmsync: futex wait: %w", errno)
	}
	return nil
}

// futexWaitTimeout is futexWait bounded by timeoutNs nanoseconds. It returns
// ErrTimeout on expiry.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return futexWait(addr, val)
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts syscall.Timespec
	ts.Sec = timeoutNs / 1e9
	ts.Nsec = timeoutNs % 1e9

	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		switch errno {
		case syscall.EAGAIN, syscall.EINTR:
			return nil
		case syscall.ETIMEDOUT:
			return ErrTimeout
		default:
			return fmt.Errorf("shmsync: futex wait: %w", errno)
		}
	}
	return nil
}

// futexWake wakes up to n waiters blocked on addr, returning the count woken.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shmsync: futex wake: %w", errno)
	}
	return int(r1), nil
}
