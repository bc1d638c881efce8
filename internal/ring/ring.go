// Package ring implements the fixed-slot carousel every messaging pattern in
// this module is built from: N timestamped slots, a compare-and-swap claim
// protocol for writers, and oldest/newest selection for readers.
package ring

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/irlab-shm/shmbus/internal/align"
	"github.com/irlab-shm/shmbus/internal/mclock"
	"github.com/irlab-shm/shmbus/internal/shmerr"
	"github.com/irlab-shm/shmbus/internal/shmsync"
)

// DefaultExpiry is the staleness cutoff NewestSlot applies when none has
// been configured.
const DefaultExpiry = 2 * time.Second

// headerLayout is the layout of the fixed-size prefix (before the caller's
// element size and slot count are known); its offsets never depend on those
// two values, so a reader can compute it before knowing anything else about
// the ring it is attaching to.
var headerLayout = align.Ring(0, 0)

// RingBuffer is a typed view over a slice of shared-memory bytes implementing
// the slot carousel. It never owns the underlying memory; the caller (a
// Segment) does.
type RingBuffer struct {
	mem    []byte
	layout align.RingLayout
	cond   shmsync.Cond
	log    *zap.Logger
}

func ptrAt(mem []byte, off uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}

// Size returns the number of bytes a ring of the given element size and slot
// count occupies, for sizing the enclosing Segment.
func Size(elementSize, slotCount uint64) uint64 {
	return align.Ring(elementSize, slotCount).Total
}

// InitializeAsWriter lays out a fresh ring buffer inside mem, which must be
// at least Size(elementSize, slotCount) bytes. Only the first attacher to a
// segment should call this; every other attacher should call AttachAsReader.
func InitializeAsWriter(mem []byte, elementSize, slotCount uint64, log *zap.Logger) (*RingBuffer, error) {
	if elementSize == 0 || slotCount == 0 {
		return nil, fmt.Errorf("%w: element size and slot count must be positive", shmerr.ErrConfiguration)
	}
	layout := align.Ring(elementSize, slotCount)
	if uint64(len(mem)) < layout.Total {
		return nil, fmt.Errorf("%w: mapped region %d bytes too small for ring layout %d bytes", shmerr.ErrConfiguration, len(mem), layout.Total)
	}
	if log == nil {
		log = zap.NewNop()
	}

	initFlag := (*uint32)(ptrAt(mem, layout.InitFlagOff))
	atomic.StoreUint32(initFlag, 0)

	elemSizePtr := (*uint64)(ptrAt(mem, layout.ElemSizeOff))
	slotCountPtr := (*uint64)(ptrAt(mem, layout.SlotCountOff))
	expiryPtr := (*uint64)(ptrAt(mem, layout.ExpiryOff))
	atomic.StoreUint64(elemSizePtr, elementSize)
	atomic.StoreUint64(slotCountPtr, slotCount)
	atomic.StoreUint64(expiryPtr, uint64(DefaultExpiry.Microseconds()))

	for i := uint64(0); i < slotCount; i++ {
		ts := (*uint64)(ptrAt(mem, layout.TimestampOff+i*8))
		atomic.StoreUint64(ts, mclock.Empty)
	}

	// Release fence: init_flag transitioning to 1 publishes everything above
	// to any reader that observes it with an acquire load.
	atomic.StoreUint32(initFlag, 1)

	log.Debug("ring initialized", zap.Uint64("elementSize", elementSize), zap.Uint64("slotCount", slotCount))
	return &RingBuffer{mem: mem, layout: layout, cond: shmsync.At((*uint32)(ptrAt(mem, layout.CondOff))), log: log}, nil
}

// AttachAsReader reconstructs a RingBuffer view over an already-initialized
// segment. Call WaitForInitialized first if the writer may not have run yet.
func AttachAsReader(mem []byte, log *zap.Logger) (*RingBuffer, error) {
	if uint64(len(mem)) < headerLayout.ElemSizeOff+16 {
		return nil, fmt.Errorf("%w: mapped region too small to contain a ring header", shmerr.ErrConfiguration)
	}
	elementSize := atomic.LoadUint64((*uint64)(ptrAt(mem, headerLayout.ElemSizeOff)))
	slotCount := atomic.LoadUint64((*uint64)(ptrAt(mem, headerLayout.SlotCountOff)))
	if elementSize == 0 || slotCount == 0 {
		return nil, fmt.Errorf("%w: ring not yet initialized", shmerr.ErrInitializationTimeout)
	}
	layout := align.Ring(elementSize, slotCount)
	if uint64(len(mem)) < layout.Total {
		return nil, fmt.Errorf("%w: mapped region %d bytes too small for ring layout %d bytes", shmerr.ErrConfiguration, len(mem), layout.Total)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RingBuffer{mem: mem, layout: layout, cond: shmsync.At((*uint32)(ptrAt(mem, layout.CondOff))), log: log}, nil
}

// IsInitialized reports whether the writer has completed InitializeAsWriter.
func IsInitialized(mem []byte) bool {
	if uint64(len(mem)) < headerLayout.InitFlagOff+4 {
		return false
	}
	return atomic.LoadUint32((*uint32)(ptrAt(mem, headerLayout.InitFlagOff))) == 1
}

// WaitForInitialized polls IsInitialized until it is true or timeout elapses.
func WaitForInitialized(mem []byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if IsInitialized(mem) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// ElementSize returns the fixed per-slot payload size.
func (r *RingBuffer) ElementSize() uint64 { return r.layout.ElementSize }

// SlotCount returns the number of slots.
func (r *RingBuffer) SlotCount() uint64 { return r.layout.SlotCount }

func (r *RingBuffer) timestamp(i uint64) *uint64 {
	return (*uint64)(ptrAt(r.mem, r.layout.TimestampOff+i*8))
}

func (r *RingBuffer) slotData(i uint64) []byte {
	off := r.layout.DataOff + i*r.layout.ElementSize
	return r.mem[off : off+r.layout.ElementSize]
}

// SetExpiry configures the staleness cutoff NewestSlot applies. A zero
// duration disables expiry entirely. The cutoff is stored in the shared ring
// header, so it applies to every view of the same segment, and the most
// recent SetExpiry from any attacher wins.
func (r *RingBuffer) SetExpiry(d time.Duration) {
	atomic.StoreUint64((*uint64)(ptrAt(r.mem, r.layout.ExpiryOff)), uint64(d.Microseconds()))
}

func (r *RingBuffer) expiry() uint64 {
	return atomic.LoadUint64((*uint64)(ptrAt(r.mem, r.layout.ExpiryOff)))
}

// OldestSlot returns the index of the slot with the smallest timestamp,
// ranking an empty slot (0) below any valid timestamp and a slot being
// written (^uint64(0)) above every valid timestamp, so empty and stale slots
// are reused first. Ties break toward the lowest index.
func (r *RingBuffer) OldestSlot() uint64 {
	var oldestIdx uint64
	oldestVal := rankOf(atomic.LoadUint64(r.timestamp(0)))
	for i := uint64(1); i < r.layout.SlotCount; i++ {
		rank := rankOf(atomic.LoadUint64(r.timestamp(i)))
		if rank < oldestVal {
			oldestVal = rank
			oldestIdx = i
		}
	}
	return oldestIdx
}

// rankOf maps a slot timestamp to a comparison rank where empty (0) sorts
// before any real timestamp, and "being written" (max) sorts after every
// real timestamp — a writer should never reclaim a slot another writer is
// actively filling if an empty or older slot is available.
func rankOf(ts uint64) uint64 {
	switch ts {
	case mclock.Empty:
		return 0
	case mclock.Writing:
		return ^uint64(0)
	default:
		return ts
	}
}

// ClaimSlot attempts to take exclusive write ownership of slot i by swapping
// its timestamp from expected to the "being written" sentinel. It fails if
// another writer already claimed it (or the slot's timestamp is not what the
// caller last observed).
func (r *RingBuffer) ClaimSlot(i uint64, expected uint64) bool {
	return atomic.CompareAndSwapUint64(r.timestamp(i), expected, mclock.Writing)
}

// PublishSlot writes payload into slot i (which must be held via ClaimSlot),
// stores a fresh timestamp, and wakes any blocked subscribers. The timestamp
// is the current clock reading, raised if needed to one past the largest
// timestamp already in the ring, so two publishes within the same
// microsecond still order correctly.
func (r *RingBuffer) PublishSlot(i uint64, payload []byte) {
	copy(r.slotData(i), payload)
	ts := mclock.Now()
	for j := uint64(0); j < r.layout.SlotCount; j++ {
		if v := atomic.LoadUint64(r.timestamp(j)); v != mclock.Writing && v >= ts {
			ts = v + 1
		}
	}
	atomic.StoreUint64(r.timestamp(i), ts)
	r.cond.Broadcast()
}

// Publish performs the full writer protocol: claim the oldest slot (retrying
// briefly if a racing writer wins the claim first), copy payload into it, and
// publish. Returns the slot index published to.
func (r *RingBuffer) Publish(payload []byte) (uint64, error) {
	if uint64(len(payload)) != r.layout.ElementSize {
		return 0, fmt.Errorf("%w: payload is %d bytes, ring element size is %d", shmerr.ErrConfiguration, len(payload), r.layout.ElementSize)
	}
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx := r.OldestSlot()
		before := atomic.LoadUint64(r.timestamp(idx))
		if before == mclock.Writing {
			continue // another writer holds this slot; recompute oldest
		}
		if r.ClaimSlot(idx, before) {
			r.PublishSlot(idx, payload)
			return idx, nil
		}
	}
	return 0, fmt.Errorf("%w: could not claim a slot after %d attempts (concurrent publisher contention)", shmerr.ErrConfiguration, maxAttempts)
}

// NewestSlot returns the index of the freshest valid (non-empty,
// non-in-progress, non-expired) slot. ok is false if no slot qualifies.
func (r *RingBuffer) NewestSlot() (idx uint64, timestamp uint64, ok bool) {
	var newestVal uint64
	found := false
	for i := uint64(0); i < r.layout.SlotCount; i++ {
		v := atomic.LoadUint64(r.timestamp(i))
		if v == mclock.Empty || v == mclock.Writing {
			continue
		}
		if !found || v > newestVal {
			newestVal = v
			idx = i
			found = true
		}
	}
	if !found {
		return 0, 0, false
	}
	if expiry := r.expiry(); expiry > 0 {
		now := mclock.Now()
		if now > newestVal && now-newestVal > expiry {
			return 0, 0, false
		}
	}
	return idx, newestVal, true
}

// Read copies the newest valid slot's payload into dst, which must be
// ElementSize() bytes. Returns the slot's timestamp and true on success.
func (r *RingBuffer) Read(dst []byte) (uint64, bool) {
	idx, ts, ok := r.NewestSlot()
	if !ok {
		return 0, false
	}
	copy(dst, r.slotData(idx))
	return ts, true
}

// WaitForUpdate blocks until NewestSlot's timestamp advances past lastSeen,
// or deadline. A zero deadline waits indefinitely. Returns false on timeout.
func (r *RingBuffer) WaitForUpdate(lastSeen uint64, deadline time.Time) bool {
	for {
		if _, ts, ok := r.NewestSlot(); ok && ts > lastSeen {
			return true
		}
		gen := r.cond.Generation()
		if err := r.cond.Wait(gen, deadline); err != nil {
			if _, ts, ok := r.NewestSlot(); ok && ts > lastSeen {
				return true
			}
			return false
		}
	}
}
