package shmsync

import "errors"

// ErrTimeout is returned by Cond.Wait when the deadline elapses before the
// generation counter advances.
var ErrTimeout = errors.New("shmsync: wait timed out")

// ErrUnsupported is returned on platforms without a futex syscall. The control
// block layout is unaffected; only blocking waits degrade to this error.
var ErrUnsupported = errors.New("shmsync: futex operations not supported on this platform")
