// Package service implements the request/response messaging pattern: a
// server holds a single dispatch loop over a two-slot channel; clients make
// synchronous, timed calls against it.
package service

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/irlab-shm/shmbus/internal/align"
	"github.com/irlab-shm/shmbus/internal/layoutcheck"
	"github.com/irlab-shm/shmbus/internal/mclock"
	"github.com/irlab-shm/shmbus/internal/segment"
	"github.com/irlab-shm/shmbus/internal/shmerr"
	"github.com/irlab-shm/shmbus/internal/shmsync"
)

// DefaultCallTimeout is applied by Client.Call when no timeout is given.
const DefaultCallTimeout = 5 * time.Second

// pollInterval bounds how long a single Client.Call wait step blocks before
// re-checking its overall deadline, so a call never blocks past its timeout
// waiting on a single condvar wake.
const pollInterval = 10 * time.Millisecond

// Option configures a Server or Client.
type Option func(*config)

type config struct {
	perm   segment.Perm
	logger *zap.Logger
}

func defaultConfig() config {
	return config{perm: segment.DefaultPerm, logger: zap.NewNop()}
}

// WithPermissions sets the permission bits a Server creates its segment with.
func WithPermissions(p segment.Perm) Option { return func(c *config) { c.perm = p } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func checkFixedLayout(name string, t reflect.Type) error {
	if err := layoutcheck.Check(t); err != nil {
		return fmt.Errorf("%w: %s type: %v", shmerr.ErrConfiguration, name, err)
	}
	return nil
}

func ptrAt(mem []byte, off uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}

func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// channel bundles the field accessors shared by Server and Client over the
// same deterministic layout (computed purely from sizeof(Req), sizeof(Res),
// so both sides derive it independently without reading anything from the
// segment).
type channel struct {
	mem     []byte
	layout  align.ChannelLayout
	reqCond shmsync.Cond
	resCond shmsync.Cond
}

func newChannel(mem []byte, reqSize, resSize uint64) channel {
	layout := align.Channel(reqSize, resSize, 0)
	return channel{
		mem:     mem,
		layout:  layout,
		reqCond: shmsync.At((*uint32)(ptrAt(mem, layout.ReqCondOff))),
		resCond: shmsync.At((*uint32)(ptrAt(mem, layout.ResCondOff))),
	}
}

func (c channel) reqTS() *uint64 { return (*uint64)(ptrAt(c.mem, c.layout.ReqTSOff)) }
func (c channel) resTS() *uint64 { return (*uint64)(ptrAt(c.mem, c.layout.ResTSOff)) }
func (c channel) reqPayload(size uint64) []byte {
	return c.mem[c.layout.ReqPayloadOff : c.layout.ReqPayloadOff+size]
}
func (c channel) resPayload(size uint64) []byte {
	return c.mem[c.layout.ResPayloadOff : c.layout.ResPayloadOff+size]
}

// Size returns the segment size a service channel for the given request and
// response types occupies.
func Size[Req, Res any]() uint64 {
	var req Req
	var res Res
	return align.Channel(uint64(unsafe.Sizeof(req)), uint64(unsafe.Sizeof(res)), 0).Total
}

// Handler computes a response for a request. Handlers run sequentially on
// the server's single dispatch goroutine; a slow handler delays every other
// client's in-flight call.
type Handler[Req, Res any] func(Req) Res

// Server owns the dispatch loop for a named service. Exactly one Server
// should exist per name at a time; construction creates the segment.
type Server[Req, Res any] struct {
	name    string
	seg     *segment.Segment
	ch      channel
	handler Handler[Req, Res]
	log     *zap.Logger

	lastSeenReq uint64
	shutdown    chan struct{}
	done        chan struct{}
}

// NewServer creates the named service's segment and starts its dispatch
// goroutine, which calls handler for every request until Close.
func NewServer[Req, Res any](name string, handler Handler[Req, Res], opts ...Option) (*Server[Req, Res], error) {
	var req Req
	var res Res
	if err := checkFixedLayout("request", reflect.TypeOf(req)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("response", reflect.TypeOf(res)); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: service name must not be empty", shmerr.ErrConfiguration)
	}

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	reqSize := uint64(unsafe.Sizeof(req))
	resSize := uint64(unsafe.Sizeof(res))
	seg, err := segment.Create(name, align.Channel(reqSize, resSize, 0).Total, cfg.perm, segment.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	ch := newChannel(seg.Bytes(), reqSize, resSize)
	now := mclock.Now()
	atomic.StoreUint64(ch.reqTS(), now)
	atomic.StoreUint64(ch.resTS(), now)

	s := &Server[Req, Res]{
		name:        name,
		seg:         seg,
		ch:          ch,
		handler:     handler,
		log:         cfg.logger,
		lastSeenReq: now,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.dispatchLoop()
	return s, nil
}

// dispatchLoop is the server's single worker: wait for a request newer than
// the last one handled, run the handler, publish the response. Shutdown is
// cooperative — a closed channel plus a condvar broadcast wakes a blocked
// loop immediately, never a forced cancellation of the goroutine.
func (s *Server[Req, Res]) dispatchLoop() {
	defer close(s.done)
	for {
		// Sample the generation before checking for shutdown, so a shutdown
		// broadcast that lands after the check still makes Wait return.
		gen := s.ch.reqCond.Generation()
		select {
		case <-s.shutdown:
			return
		default:
		}

		reqTS := atomic.LoadUint64(s.ch.reqTS())
		if reqTS <= s.lastSeenReq {
			if err := s.ch.reqCond.Wait(gen, time.Time{}); err != nil {
				s.log.Warn("dispatch wait error", zap.String("service", s.name), zap.Error(err))
			}
			continue
		}

		var req Req
		copy(asBytes(&req), s.ch.reqPayload(uint64(unsafe.Sizeof(req))))
		s.lastSeenReq = reqTS

		res := s.handler(req)

		copy(s.ch.resPayload(uint64(unsafe.Sizeof(res))), asBytes(&res))
		atomic.StoreUint64(s.ch.resTS(), mclock.Now())
		s.ch.resCond.Broadcast()
	}
}

// Close stops the dispatch loop cooperatively and joins it, then disconnects
// the segment without unlinking it.
func (s *Server[Req, Res]) Close() error {
	close(s.shutdown)
	s.ch.reqCond.Broadcast()
	<-s.done
	return s.seg.Disconnect()
}

// Unlink stops the server and removes its segment from the host namespace.
func (s *Server[Req, Res]) Unlink() error {
	close(s.shutdown)
	s.ch.reqCond.Broadcast()
	<-s.done
	return s.seg.DisconnectAndUnlink()
}

// Client makes synchronous, timed calls against a named service. Connection
// is lazy: construction does not touch the segment.
type Client[Req, Res any] struct {
	name string
	cfg  config

	seg *segment.Segment
	ch  channel

	lastSeenRes uint64
}

// NewClient validates Req/Res and records configuration, without connecting.
func NewClient[Req, Res any](name string, opts ...Option) (*Client[Req, Res], error) {
	var req Req
	var res Res
	if err := checkFixedLayout("request", reflect.TypeOf(req)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("response", reflect.TypeOf(res)); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: service name must not be empty", shmerr.ErrConfiguration)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Client[Req, Res]{name: name, cfg: cfg}, nil
}

func (c *Client[Req, Res]) ensureAttached() error {
	if c.seg != nil && !c.seg.IsDisconnected() {
		return nil
	}
	var req Req
	var res Res
	seg, err := segment.Open(c.name, segment.WithLogger(c.cfg.logger))
	if err != nil {
		return err
	}
	c.seg = seg
	c.ch = newChannel(seg.Bytes(), uint64(unsafe.Sizeof(req)), uint64(unsafe.Sizeof(res)))
	c.lastSeenRes = atomic.LoadUint64(c.ch.resTS())
	return nil
}

// Call sends req and blocks until a response arrives or timeout elapses (0
// uses DefaultCallTimeout). It returns ErrCallTimeout on expiry and
// ErrDisconnected if the service's segment disappears mid-call.
func (c *Client[Req, Res]) Call(req Req, timeout time.Duration) (Res, error) {
	var zero Res
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if err := c.ensureAttached(); err != nil {
		return zero, err
	}

	baseline := atomic.LoadUint64(c.ch.resTS())
	copy(c.ch.reqPayload(uint64(unsafe.Sizeof(req))), asBytes(&req))
	atomic.StoreUint64(c.ch.reqTS(), mclock.Now())
	c.ch.reqCond.Broadcast()

	deadline := time.Now().Add(timeout)
	for {
		if c.seg.IsDisconnected() {
			return zero, shmerr.ErrDisconnected
		}
		if val := atomic.LoadUint64(c.ch.resTS()); val > baseline {
			var res Res
			copy(asBytes(&res), c.ch.resPayload(uint64(unsafe.Sizeof(res))))
			c.lastSeenRes = val
			return res, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, shmerr.ErrCallTimeout
		}
		step := remaining
		if step > pollInterval {
			step = pollInterval
		}
		gen := c.ch.resCond.Generation()
		_ = c.ch.resCond.Wait(gen, time.Now().Add(step))
	}
}

// Close disconnects from the service's segment, if attached.
func (c *Client[Req, Res]) Close() error {
	if c.seg == nil {
		return nil
	}
	return c.seg.Disconnect()
}
