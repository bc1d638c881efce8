// Package bridge is the opaque-handle layer the C ABI (cmd/shmbusc) is built
// on: every cross-language call trades in an integer handle rather than a Go
// pointer, since Go pointers must not be stored in C memory or kept alive
// past the call that produced them.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irlab-shm/shmbus/internal/ring"
	"github.com/irlab-shm/shmbus/internal/segment"
	"github.com/irlab-shm/shmbus/internal/shmerr"
)

// Handle identifies a publisher or subscriber registered in this process.
// Handles are never reused: once closed, the same integer is never handed
// out again, so a stale handle from a freed foreign object is reported as
// "not found" rather than silently operating on an unrelated object.
type Handle uint64

var (
	nextHandle uint64
	mu         sync.RWMutex
	publishers = map[Handle]*publisherHandle{}
	subscribers = map[Handle]*subscriberHandle{}
)

func allocHandle() Handle {
	return Handle(atomic.AddUint64(&nextHandle, 1))
}

type publisherHandle struct {
	seg      *segment.Segment
	rb       *ring.RingBuffer
	elemSize uint64
}

type subscriberHandle struct {
	seg      *segment.Segment
	rb       *ring.RingBuffer
	elemSize uint64
	lastSeen uint64
}

// CreatePublisher creates (or re-creates) the named segment as a ring with
// slotCount slots of elemSize bytes each, and registers it under a fresh
// handle.
func CreatePublisher(name string, elemSize, slotCount uint64) (Handle, error) {
	seg, err := segment.Create(name, ring.Size(elemSize, slotCount), segment.DefaultPerm)
	if err != nil {
		return 0, err
	}
	rb, err := ring.InitializeAsWriter(seg.Bytes(), elemSize, slotCount, nil)
	if err != nil {
		seg.Disconnect()
		return 0, err
	}
	h := allocHandle()
	mu.Lock()
	publishers[h] = &publisherHandle{seg: seg, rb: rb, elemSize: elemSize}
	mu.Unlock()
	return h, nil
}

// Publish copies data (which must be exactly elemSize bytes) into the ring.
func Publish(h Handle, data []byte) error {
	mu.RLock()
	p, ok := publishers[h]
	mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown publisher handle %d", shmerr.ErrConfiguration, h)
	}
	_, err := p.rb.Publish(data)
	return err
}

// ClosePublisher disconnects a publisher's segment without unlinking it.
func ClosePublisher(h Handle) error {
	mu.Lock()
	p, ok := publishers[h]
	delete(publishers, h)
	mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown publisher handle %d", shmerr.ErrConfiguration, h)
	}
	return p.seg.Disconnect()
}

// UnlinkPublisher disconnects a publisher's segment and removes it from the
// host namespace.
func UnlinkPublisher(h Handle) error {
	mu.Lock()
	p, ok := publishers[h]
	delete(publishers, h)
	mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown publisher handle %d", shmerr.ErrConfiguration, h)
	}
	return p.seg.DisconnectAndUnlink()
}

// CreateSubscriber attaches to an existing named ring, waiting up to
// timeout for the writer to finish initializing it.
func CreateSubscriber(name string, timeout time.Duration) (Handle, error) {
	seg, err := segment.Open(name)
	if err != nil {
		return 0, err
	}
	if !ring.WaitForInitialized(seg.Bytes(), timeout) {
		seg.Disconnect()
		return 0, fmt.Errorf("%w: %s was never initialized by a writer", shmerr.ErrInitializationTimeout, name)
	}
	rb, err := ring.AttachAsReader(seg.Bytes(), nil)
	if err != nil {
		seg.Disconnect()
		return 0, err
	}
	h := allocHandle()
	mu.Lock()
	subscribers[h] = &subscriberHandle{seg: seg, rb: rb, elemSize: rb.ElementSize()}
	mu.Unlock()
	return h, nil
}

// Fetch copies the newest valid slot into dst (which must be elemSize
// bytes) and reports whether a value was available.
func Fetch(h Handle, dst []byte) (bool, error) {
	mu.RLock()
	s, ok := subscribers[h]
	mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: unknown subscriber handle %d", shmerr.ErrConfiguration, h)
	}
	ts, ok := s.rb.Read(dst)
	if !ok {
		return false, nil
	}
	s.lastSeen = ts
	return true, nil
}

// ElementSize reports the fixed per-message byte size a handle was created
// with, so a caller can size its buffer before calling Publish or Fetch.
func ElementSize(h Handle) (uint64, error) {
	mu.RLock()
	defer mu.RUnlock()
	if p, ok := publishers[h]; ok {
		return p.elemSize, nil
	}
	if s, ok := subscribers[h]; ok {
		return s.elemSize, nil
	}
	return 0, fmt.Errorf("%w: unknown handle %d", shmerr.ErrConfiguration, h)
}

// CloseSubscriber disconnects a subscriber's segment.
func CloseSubscriber(h Handle) error {
	mu.Lock()
	s, ok := subscribers[h]
	delete(subscribers, h)
	mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown subscriber handle %d", shmerr.ErrConfiguration, h)
	}
	return s.seg.Disconnect()
}

// RemoveSegment removes a named segment from the host namespace without
// requiring a live handle.
func RemoveSegment(name string) error {
	return segment.Unlink(name)
}
