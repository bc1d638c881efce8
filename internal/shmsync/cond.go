// Package shmsync realizes a process-shared condition variable as a single
// futex word: a generation counter that every broadcaster increments, and
// every waiter blocks against with the kernel futex syscall. This replaces a
// literal pthread_mutex_t/pthread_cond_t pair with no cgo required.
package shmsync

import (
	"sync/atomic"
	"time"
)

// Cond is a condition variable backed by a single uint32 generation counter
// living in shared memory. It has no associated mutex: callers that need
// mutual exclusion over the payload they are protecting must arrange it
// themselves (the ring protocol in this module uses a compare-and-swap slot
// claim instead of a mutex; the service and action channels write their
// payloads with no mutual exclusion at all).
//
// The zero value is not usable; a Cond must be constructed with At, pointing
// at a live uint32 inside the mapped segment.
type Cond struct {
	word *uint32
}

// At returns a Cond backed by the uint32 at addr. addr must remain valid
// (i.e. the segment must remain mapped) for the lifetime of the Cond.
func At(addr *uint32) Cond {
	return Cond{word: addr}
}

// Broadcast wakes every waiter currently blocked in Wait, advancing the
// generation counter so a waiter can never miss a wake it raced with.
func (c Cond) Broadcast() {
	atomic.AddUint32(c.word, 1)
	futexWake(c.word, 1<<30) // effectively "all"
}

// Generation returns the current value of the counter. Callers observe it
// before checking the condition they actually care about, then pass it to
// Wait so a Broadcast that lands between the check and the wait call is not
// lost.
func (c Cond) Generation() uint32 {
	return atomic.LoadUint32(c.word)
}

// Wait blocks until the generation counter advances past lastSeen, or until
// deadline. A zero deadline means wait indefinitely. Returns ErrTimeout if
// the deadline elapses first; an interrupted timed wait is resumed until the
// deadline. With a zero deadline spurious returns are possible; callers must
// re-check their condition and re-call Wait (with a fresh Generation) if it
// still does not hold.
func (c Cond) Wait(lastSeen uint32, deadline time.Time) error {
	if deadline.IsZero() {
		return futexWait(c.word, lastSeen)
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if atomic.LoadUint32(c.word) != lastSeen {
				return nil
			}
			return ErrTimeout
		}
		if err := futexWaitTimeout(c.word, lastSeen, remaining.Nanoseconds()); err != nil {
			return err
		}
		if atomic.LoadUint32(c.word) != lastSeen {
			return nil
		}
	}
}
