// Package shmerr declares the sentinel error kinds shared across segment,
// ring, topic, service, and action, so callers can use errors.Is regardless
// of which layer produced the failure.
package shmerr

import "errors"

var (
	// ErrConfiguration signals a caller error that can never succeed by
	// retrying: an empty name, a payload type unsuitable for shared-memory
	// layout, or an alignment request the platform cannot satisfy.
	ErrConfiguration = errors.New("shmbus: configuration error")

	// ErrSegment signals the underlying shared-memory object could not be
	// created, opened, resized, or mapped.
	ErrSegment = errors.New("shmbus: segment error")

	// ErrInitializationTimeout signals a reader gave up waiting for a
	// writer's init flag to become ready.
	ErrInitializationTimeout = errors.New("shmbus: initialization timeout")

	// ErrNoCurrentData signals a subscriber found no valid slot to read.
	ErrNoCurrentData = errors.New("shmbus: no current data")

	// ErrExpired signals the newest slot exists but is older than the
	// configured expiry.
	ErrExpired = errors.New("shmbus: data expired")

	// ErrCallTimeout signals a service or action call's deadline elapsed
	// before a response arrived.
	ErrCallTimeout = errors.New("shmbus: call timed out")

	// ErrDisconnected signals the peer unlinked the segment out from under
	// an active handle.
	ErrDisconnected = errors.New("shmbus: disconnected")
)
