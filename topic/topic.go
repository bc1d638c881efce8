// Package topic implements the publish/subscribe messaging pattern: many
// publishers and subscribers rendezvous on a named ring buffer, with the
// latest published value winning and older values discarded.
package topic

import (
	"fmt"
	"reflect"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/irlab-shm/shmbus/internal/ring"
	"github.com/irlab-shm/shmbus/internal/segment"
	"github.com/irlab-shm/shmbus/internal/shmerr"
)

// DefaultSlotCount is the ring depth used when no WithSlotCount option is
// given: enough that a single crashed writer mid-publish still leaves
// usable slots.
const DefaultSlotCount = 3

// Option configures a Publisher or Subscriber. Slot count and permissions
// only take effect on the Publisher, which is the side that creates the
// segment; a Subscriber silently ignores them.
type Option func(*config)

type config struct {
	slotCount uint64
	perm      segment.Perm
	expiry    time.Duration
	logger    *zap.Logger
}

func defaultConfig() config {
	return config{
		slotCount: DefaultSlotCount,
		perm:      segment.DefaultPerm,
		expiry:    ring.DefaultExpiry,
		logger:    zap.NewNop(),
	}
}

// WithSlotCount sets the ring depth a Publisher creates its segment with.
func WithSlotCount(n uint64) Option { return func(c *config) { c.slotCount = n } }

// WithPermissions sets the permission bits a Publisher creates its segment
// with.
func WithPermissions(p segment.Perm) Option { return func(c *config) { c.perm = p } }

// WithExpiry sets the staleness cutoff stored in the topic's ring header; 0
// disables expiry. The Publisher writes it when it connects and each
// Subscriber writes it again when it attaches, so the most recently written
// value applies to every reader of the topic.
func WithExpiry(d time.Duration) Option { return func(c *config) { c.expiry = d } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// Publisher publishes values of type T onto a named topic. T must be a fixed
// layout type (numeric fields, arrays, and nested structs thereof); anything
// holding a pointer, slice, string, or interface is rejected at construction.
type Publisher[T any] struct {
	name string
	seg  *segment.Segment
	rb   *ring.RingBuffer
	log  *zap.Logger
}

// NewPublisher creates (or attaches as an additional writer to) the named
// topic's segment and initializes its ring buffer.
func NewPublisher[T any](name string, opts ...Option) (*Publisher[T], error) {
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

	elemSize := uint64(unsafe.Sizeof(zero))
	size := ring.Size(elemSize, cfg.slotCount)

	seg, err := segment.Create(name, size, cfg.perm, segment.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	var rb *ring.RingBuffer
	if ring.IsInitialized(seg.Bytes()) {
		rb, err = ring.AttachAsReader(seg.Bytes(), cfg.logger)
	} else {
		rb, err = ring.InitializeAsWriter(seg.Bytes(), elemSize, cfg.slotCount, cfg.logger)
	}
	if err != nil {
		seg.Disconnect()
		return nil, err
	}
	rb.SetExpiry(cfg.expiry)

	return &Publisher[T]{name: name, seg: seg, rb: rb, log: cfg.logger}, nil
}

// Publish copies value into the ring buffer's oldest slot and wakes any
// blocked subscribers.
func (p *Publisher[T]) Publish(value T) error {
	_, err := p.rb.Publish(asBytes(&value))
	return err
}

// Close unmaps the segment without removing it from the host namespace; a
// later publisher or subscriber can still attach to it.
func (p *Publisher[T]) Close() error {
	return p.seg.Disconnect()
}

// Unlink disconnects and removes the topic's segment from the host
// namespace, if this handle observes itself as the sole referrer.
func (p *Publisher[T]) Unlink() error {
	return p.seg.DisconnectAndUnlink()
}

// Subscriber reads the latest published value of type T from a named topic.
// Construction never touches the segment; attachment happens lazily on the
// first Subscribe or WaitFor call so a subscriber can be constructed before
// its publisher exists.
type Subscriber[T any] struct {
	name string
	cfg  config
	log  *zap.Logger

	seg      *segment.Segment
	rb       *ring.RingBuffer
	lastSeen uint64

	haveValue bool
	lastValue T
}

// NewSubscriber validates T and records configuration, without connecting.
func NewSubscriber[T any](name string, opts ...Option) (*Subscriber[T], error) {
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
	return &Subscriber[T]{name: name, cfg: cfg, log: cfg.logger}, nil
}

// ensureAttached connects (or reconnects, after a detected disconnect) to
// the topic's segment and attaches a reader view of its ring buffer.
func (s *Subscriber[T]) ensureAttached() error {
	if s.seg != nil && !s.seg.IsDisconnected() {
		return nil
	}
	seg, err := segment.Open(s.name, segment.WithLogger(s.log))
	if err != nil {
		return err
	}
	if !ring.WaitForInitialized(seg.Bytes(), 2*time.Second) {
		seg.Disconnect()
		return fmt.Errorf("%w: %s", shmerr.ErrInitializationTimeout, s.name)
	}
	rb, err := ring.AttachAsReader(seg.Bytes(), s.log)
	if err != nil {
		seg.Disconnect()
		return err
	}
	rb.SetExpiry(s.cfg.expiry)

	s.seg = seg
	s.rb = rb
	s.lastSeen = 0
	return nil
}

// Subscribe returns the freshest valid value. On failure (no publisher yet,
// data expired, or the topic was unlinked and not yet recreated) it returns
// the last successfully observed value — or the zero value, if none has ever
// been observed — with ok set to false: a best-effort replay rather than an
// error.
func (s *Subscriber[T]) Subscribe() (value T, ok bool) {
	if err := s.ensureAttached(); err != nil {
		return s.fallback()
	}

	var v T
	ts, found := s.rb.Read(asBytes(&v))
	if !found {
		return s.fallback()
	}
	s.lastSeen = ts
	s.lastValue = v
	s.haveValue = true
	return v, true
}

func (s *Subscriber[T]) fallback() (T, bool) {
	if s.haveValue {
		return s.lastValue, false
	}
	var zero T
	return zero, false
}

// WaitFor blocks until a value newer than the last one observed by Subscribe
// is published, or timeout elapses (0 waits indefinitely). It does not itself
// return the value; call Subscribe afterward.
func (s *Subscriber[T]) WaitFor(timeout time.Duration) bool {
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
func (s *Subscriber[T]) Close() error {
	if s.seg == nil {
		return nil
	}
	return s.seg.Disconnect()
}
