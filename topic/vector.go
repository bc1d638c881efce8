package topic

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"time"
	"unsafe"

	"github.com/irlab-shm/shmbus/internal/ring"
	"github.com/irlab-shm/shmbus/internal/segment"
	"github.com/irlab-shm/shmbus/internal/shmerr"
)

// lengthPrefixSize is the byte width of the element-count header every
// variable-length ring element carries ahead of its payload, so a resize can
// be detected and decoded without an out-of-band signal.
const lengthPrefixSize = 8

func elementBytesFor[T any](n int) uint64 {
	var zero T
	return lengthPrefixSize + uint64(n)*uint64(unsafe.Sizeof(zero))
}

func encodeVector[T any](values []T) []byte {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	buf := make([]byte, lengthPrefixSize+uintptr(len(values))*elemSize)
	binary.LittleEndian.PutUint64(buf, uint64(len(values)))
	if len(values) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), uintptr(len(values))*elemSize)
		copy(buf[lengthPrefixSize:], src)
	}
	return buf
}

func decodeVector[T any](buf []byte) []T {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	n := binary.LittleEndian.Uint64(buf)
	out := make([]T, n)
	if n > 0 && elemSize > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), uintptr(n)*elemSize), buf[lengthPrefixSize:])
	}
	return out
}

// VectorPublisher publishes variable-length sequences of T. Because the
// ring's element size is fixed for the life of a segment, a length change
// forces a destructive resize: the old segment is unlinked and a new one
// created at the new size. Subscribers detect this the same way they detect
// any unlink, by observing IsDisconnected and reattaching.
type VectorPublisher[T any] struct {
	name string
	cfg  config

	seg    *segment.Segment
	rb     *ring.RingBuffer
	length int
}

// NewVectorPublisher validates T and records configuration. The segment is
// not created until the first Publish, because the element size depends on
// the length of the first published slice.
func NewVectorPublisher[T any](name string, opts ...Option) (*VectorPublisher[T], error) {
	var zero T
	if err := assertFixedLayout(reflect.TypeOf(zero)); err != nil {
		return nil, fmt.Errorf("%w: %v", shmerr.ErrConfiguration, err)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: topic name must not be empty", shmerr.ErrConfiguration)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &VectorPublisher[T]{name: name, cfg: cfg, length: -1}, nil
}

// Publish publishes values, resizing the underlying segment first if its
// length differs from the currently allocated length.
func (p *VectorPublisher[T]) Publish(values []T) error {
	if p.seg == nil || len(values) != p.length {
		if err := p.resize(len(values)); err != nil {
			return err
		}
	}
	_, err := p.rb.Publish(encodeVector(values))
	return err
}

func (p *VectorPublisher[T]) resize(n int) error {
	if p.seg != nil {
		if err := p.seg.DisconnectAndUnlink(); err != nil {
			return err
		}
	}
	elemBytes := elementBytesFor[T](n)
	size := ring.Size(elemBytes, p.cfg.slotCount)
	seg, err := segment.Create(p.name, size, p.cfg.perm, segment.WithLogger(p.cfg.logger))
	if err != nil {
		return err
	}
	rb, err := ring.InitializeAsWriter(seg.Bytes(), elemBytes, p.cfg.slotCount, p.cfg.logger)
	if err != nil {
		seg.Disconnect()
		return err
	}
	rb.SetExpiry(p.cfg.expiry)
	p.seg, p.rb, p.length = seg, rb, n
	return nil
}

// Close unmaps the segment without unlinking it.
func (p *VectorPublisher[T]) Close() error {
	if p.seg == nil {
		return nil
	}
	return p.seg.Disconnect()
}

// Unlink disconnects and removes the segment from the host namespace.
func (p *VectorPublisher[T]) Unlink() error {
	if p.seg == nil {
		return nil
	}
	return p.seg.DisconnectAndUnlink()
}

// VectorSubscriber reads variable-length sequences of T published by a
// VectorPublisher, transparently reattaching across a destructive resize.
type VectorSubscriber[T any] struct {
	name string
	cfg  config

	seg      *segment.Segment
	rb       *ring.RingBuffer
	lastSeen uint64

	haveValue bool
	lastValue []T
}

// NewVectorSubscriber validates T and records configuration, without
// connecting.
func NewVectorSubscriber[T any](name string, opts ...Option) (*VectorSubscriber[T], error) {
	var zero T
	if err := assertFixedLayout(reflect.TypeOf(zero)); err != nil {
		return nil, fmt.Errorf("%w: %v", shmerr.ErrConfiguration, err)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: topic name must not be empty", shmerr.ErrConfiguration)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &VectorSubscriber[T]{name: name, cfg: cfg}, nil
}

func (s *VectorSubscriber[T]) ensureAttached() error {
	if s.seg != nil && !s.seg.IsDisconnected() {
		return nil
	}
	seg, err := segment.Open(s.name, segment.WithLogger(s.cfg.logger))
	if err != nil {
		return err
	}
	if !ring.WaitForInitialized(seg.Bytes(), 2*time.Second) {
		seg.Disconnect()
		return fmt.Errorf("%w: %s", shmerr.ErrInitializationTimeout, s.name)
	}
	rb, err := ring.AttachAsReader(seg.Bytes(), s.cfg.logger)
	if err != nil {
		seg.Disconnect()
		return err
	}
	rb.SetExpiry(s.cfg.expiry)
	s.seg, s.rb, s.lastSeen = seg, rb, 0
	return nil
}

// Subscribe returns the freshest valid sequence, or the last observed
// sequence with ok=false on failure, matching Subscriber's replay semantics.
func (s *VectorSubscriber[T]) Subscribe() (values []T, ok bool) {
	if err := s.ensureAttached(); err != nil {
		return s.fallback()
	}
	buf := make([]byte, s.rb.ElementSize())
	ts, found := s.rb.Read(buf)
	if !found {
		return s.fallback()
	}
	s.lastSeen = ts
	s.lastValue = decodeVector[T](buf)
	s.haveValue = true
	return s.lastValue, true
}

func (s *VectorSubscriber[T]) fallback() ([]T, bool) {
	if s.haveValue {
		return s.lastValue, false
	}
	return nil, false
}

// WaitFor blocks until a value newer than the last one observed by Subscribe
// is published, or timeout elapses (0 waits indefinitely).
func (s *VectorSubscriber[T]) WaitFor(timeout time.Duration) bool {
	if err := s.ensureAttached(); err != nil {
		return false
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return s.rb.WaitForUpdate(s.lastSeen, deadline)
}

// Close unmaps the segment, if attached.
func (s *VectorSubscriber[T]) Close() error {
	if s.seg == nil {
		return nil
	}
	return s.seg.Disconnect()
}
