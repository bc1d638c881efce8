// Package action implements the goal/feedback/result/cancel messaging
// pattern: a long-running, preemptible unit of work with interim, lossy
// feedback and a final terminal status.
package action

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

// Status is the lifecycle state of the most recently accepted goal.
type Status int32

const (
	// StatusActive means a goal was accepted and the server has not yet
	// published a result or a preemption.
	StatusActive Status = iota
	// StatusRejected means the server declined the most recently sent goal.
	StatusRejected
	// StatusSucceeded is both the idle state (no goal ever sent) and the
	// terminal state after PublishResult.
	StatusSucceeded
	// StatusPreempted is the terminal state after SetPreempted.
	StatusPreempted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusRejected:
		return "REJECTED"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusPreempted:
		return "PREEMPTED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

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

// achannel bundles field accessors over the goal/result/feedback/status/
// cancel control block, computed identically by Server and Client from the
// three payload sizes alone.
type achannel struct {
	mem       []byte
	layout    align.ChannelLayout
	goalCond  shmsync.Cond
	resultCond shmsync.Cond
}

func newChannel(mem []byte, goalSize, resultSize, feedbackSize uint64) achannel {
	layout := align.Channel(goalSize, resultSize, feedbackSize)
	return achannel{
		mem:        mem,
		layout:     layout,
		goalCond:   shmsync.At((*uint32)(ptrAt(mem, layout.ReqCondOff))),
		resultCond: shmsync.At((*uint32)(ptrAt(mem, layout.ResCondOff))),
	}
}

func (c achannel) goalTS() *uint64   { return (*uint64)(ptrAt(c.mem, c.layout.ReqTSOff)) }
func (c achannel) resultTS() *uint64 { return (*uint64)(ptrAt(c.mem, c.layout.ResTSOff)) }
func (c achannel) cancelTS() *uint64 { return (*uint64)(ptrAt(c.mem, c.layout.CancelTSOff)) }
func (c achannel) status() *int32    { return (*int32)(ptrAt(c.mem, c.layout.StatusOff)) }

func (c achannel) goalPayload(size uint64) []byte {
	return c.mem[c.layout.ReqPayloadOff : c.layout.ReqPayloadOff+size]
}
func (c achannel) resultPayload(size uint64) []byte {
	return c.mem[c.layout.ResPayloadOff : c.layout.ResPayloadOff+size]
}
func (c achannel) feedbackPayload(size uint64) []byte {
	return c.mem[c.layout.FeedbackOff : c.layout.FeedbackOff+size]
}

// Size returns the segment size an action channel for the given goal,
// result, and feedback types occupies.
func Size[Goal, Result, Feedback any]() uint64 {
	var g Goal
	var r Result
	var f Feedback
	return align.Channel(uint64(unsafe.Sizeof(g)), uint64(unsafe.Sizeof(r)), uint64(unsafe.Sizeof(f))).Total
}

// Server accepts goals, reports feedback and cancellation, and publishes a
// terminal result. Unlike Service, Action has no built-in dispatch loop: the
// caller's own goroutine drives WaitNewGoalAvailable / AcceptNewGoal /
// PublishFeedback / PublishResult — the action executor is application
// logic, not a library-owned worker.
type Server[Goal, Result, Feedback any] struct {
	name string
	seg  *segment.Segment
	ch   achannel
	log  *zap.Logger

	lastSeenGoal uint64
	startTS      uint64
}

// NewServer creates the named action's segment, initialized with no goal in
// flight (StatusSucceeded).
func NewServer[Goal, Result, Feedback any](name string, opts ...Option) (*Server[Goal, Result, Feedback], error) {
	var g Goal
	var r Result
	var f Feedback
	if err := checkFixedLayout("goal", reflect.TypeOf(g)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("result", reflect.TypeOf(r)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("feedback", reflect.TypeOf(f)); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: action name must not be empty", shmerr.ErrConfiguration)
	}

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	goalSize := uint64(unsafe.Sizeof(g))
	resultSize := uint64(unsafe.Sizeof(r))
	feedbackSize := uint64(unsafe.Sizeof(f))

	seg, err := segment.Create(name, align.Channel(goalSize, resultSize, feedbackSize).Total, cfg.perm, segment.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	ch := newChannel(seg.Bytes(), goalSize, resultSize, feedbackSize)
	now := mclock.Now()
	atomic.StoreUint64(ch.goalTS(), now)
	atomic.StoreUint64(ch.resultTS(), now)
	atomic.StoreUint64(ch.cancelTS(), now)
	atomic.StoreInt32(ch.status(), int32(StatusSucceeded))

	return &Server[Goal, Result, Feedback]{
		name:         name,
		seg:          seg,
		ch:           ch,
		log:          cfg.logger,
		lastSeenGoal: now,
		startTS:      now,
	}, nil
}

// WaitNewGoalAvailable blocks until a client sends a goal newer than the
// last one observed, or timeout elapses (0 waits indefinitely, for an idle
// server loop with nothing else to do).
func (s *Server[Goal, Result, Feedback]) WaitNewGoalAvailable(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if atomic.LoadUint64(s.ch.goalTS()) > s.lastSeenGoal {
			return true
		}
		gen := s.ch.goalCond.Generation()
		if err := s.ch.goalCond.Wait(gen, deadline); err != nil {
			if atomic.LoadUint64(s.ch.goalTS()) > s.lastSeenGoal {
				return true
			}
			return false
		}
	}
}

// AcceptNewGoal transitions to StatusActive, records the acceptance time as
// the baseline for IsPreemptRequested, and returns the goal payload.
func (s *Server[Goal, Result, Feedback]) AcceptNewGoal() Goal {
	var g Goal
	copy(asBytes(&g), s.ch.goalPayload(uint64(unsafe.Sizeof(g))))
	s.lastSeenGoal = atomic.LoadUint64(s.ch.goalTS())
	s.startTS = mclock.Now()
	atomic.StoreInt32(s.ch.status(), int32(StatusActive))
	return g
}

// RejectNewGoal declines the most recently sent goal without running it.
func (s *Server[Goal, Result, Feedback]) RejectNewGoal() {
	s.lastSeenGoal = atomic.LoadUint64(s.ch.goalTS())
	atomic.StoreInt32(s.ch.status(), int32(StatusRejected))
	atomic.StoreUint64(s.ch.resultTS(), mclock.Now())
	// Broadcast the result condvar, not the goal condvar: a client blocked
	// in WaitForResult must be woken by a rejection too.
	s.ch.resultCond.Broadcast()
}

// IsPreemptRequested reports whether the client has asked to cancel the
// goal currently accepted (cancelTS > the timestamp this goal was accepted
// at). A cancel sent before a goal is accepted has no effect on that goal.
func (s *Server[Goal, Result, Feedback]) IsPreemptRequested() bool {
	return atomic.LoadUint64(s.ch.cancelTS()) > s.startTS
}

// SetPreempted transitions the active goal to StatusPreempted.
func (s *Server[Goal, Result, Feedback]) SetPreempted() {
	atomic.StoreInt32(s.ch.status(), int32(StatusPreempted))
	atomic.StoreUint64(s.ch.resultTS(), mclock.Now())
	s.ch.resultCond.Broadcast()
}

// PublishFeedback overwrites the feedback payload with no locking, no
// timestamp, and no broadcast — feedback is lossy and unlocked by design; a
// client that is not actively polling simply never sees a given update.
func (s *Server[Goal, Result, Feedback]) PublishFeedback(fb Feedback) {
	copy(s.ch.feedbackPayload(uint64(unsafe.Sizeof(fb))), asBytes(&fb))
}

// PublishResult publishes the final result and transitions to
// StatusSucceeded.
func (s *Server[Goal, Result, Feedback]) PublishResult(result Result) {
	copy(s.ch.resultPayload(uint64(unsafe.Sizeof(result))), asBytes(&result))
	atomic.StoreInt32(s.ch.status(), int32(StatusSucceeded))
	atomic.StoreUint64(s.ch.resultTS(), mclock.Now())
	s.ch.resultCond.Broadcast()
}

// Close disconnects the segment without unlinking it.
func (s *Server[Goal, Result, Feedback]) Close() error {
	return s.seg.Disconnect()
}

// Unlink disconnects and removes the segment from the host namespace.
func (s *Server[Goal, Result, Feedback]) Unlink() error {
	return s.seg.DisconnectAndUnlink()
}

// Client sends goals, polls feedback and status, waits for results, and
// requests cancellation. Connection is lazy.
type Client[Goal, Result, Feedback any] struct {
	name string
	cfg  config

	seg *segment.Segment
	ch  achannel

	lastSeenResult uint64
}

// NewClient validates Goal/Result/Feedback and records configuration,
// without connecting.
func NewClient[Goal, Result, Feedback any](name string, opts ...Option) (*Client[Goal, Result, Feedback], error) {
	var g Goal
	var r Result
	var f Feedback
	if err := checkFixedLayout("goal", reflect.TypeOf(g)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("result", reflect.TypeOf(r)); err != nil {
		return nil, err
	}
	if err := checkFixedLayout("feedback", reflect.TypeOf(f)); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: action name must not be empty", shmerr.ErrConfiguration)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Client[Goal, Result, Feedback]{name: name, cfg: cfg}, nil
}

func (c *Client[Goal, Result, Feedback]) ensureAttached() error {
	if c.seg != nil && !c.seg.IsDisconnected() {
		return nil
	}
	var g Goal
	var r Result
	var f Feedback
	seg, err := segment.Open(c.name, segment.WithLogger(c.cfg.logger))
	if err != nil {
		return err
	}
	c.seg = seg
	c.ch = newChannel(seg.Bytes(), uint64(unsafe.Sizeof(g)), uint64(unsafe.Sizeof(r)), uint64(unsafe.Sizeof(f)))
	c.lastSeenResult = atomic.LoadUint64(c.ch.resultTS())
	return nil
}

// WaitForServer polls for the action's segment to exist, up to timeout.
func (c *Client[Goal, Result, Feedback]) WaitForServer(timeout time.Duration) bool {
	return segment.Exists(c.name, timeout)
}

// SendGoal sends a new goal. The baseline for WaitForResult is captured
// before the goal is written, so a result published between the baseline
// capture and the broadcast is never missed.
func (c *Client[Goal, Result, Feedback]) SendGoal(goal Goal) error {
	if err := c.ensureAttached(); err != nil {
		return err
	}
	c.lastSeenResult = atomic.LoadUint64(c.ch.resultTS())
	copy(c.ch.goalPayload(uint64(unsafe.Sizeof(goal))), asBytes(&goal))
	atomic.StoreUint64(c.ch.goalTS(), mclock.Now())
	c.ch.goalCond.Broadcast()
	return nil
}

// WaitForResult blocks until the result timestamp advances past the last
// SendGoal's baseline, or timeout elapses. Unlike Service.Call, this is a
// single wait without a surrounding request — the goal was already sent by
// SendGoal.
func (c *Client[Goal, Result, Feedback]) WaitForResult(timeout time.Duration) bool {
	if err := c.ensureAttached(); err != nil {
		return false
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if atomic.LoadUint64(c.ch.resultTS()) > c.lastSeenResult {
			return true
		}
		gen := c.ch.resultCond.Generation()
		if err := c.ch.resultCond.Wait(gen, deadline); err != nil {
			return atomic.LoadUint64(c.ch.resultTS()) > c.lastSeenResult
		}
	}
}

// GetResult reads the current result payload without synchronization; call
// after WaitForResult returns true for a meaningful value.
func (c *Client[Goal, Result, Feedback]) GetResult() (Result, error) {
	var r Result
	if err := c.ensureAttached(); err != nil {
		return r, err
	}
	copy(asBytes(&r), c.ch.resultPayload(uint64(unsafe.Sizeof(r))))
	return r, nil
}

// GetFeedback reads the current feedback payload without synchronization;
// a feedback update published between two GetFeedback calls may be missed.
func (c *Client[Goal, Result, Feedback]) GetFeedback() (Feedback, error) {
	var f Feedback
	if err := c.ensureAttached(); err != nil {
		return f, err
	}
	copy(asBytes(&f), c.ch.feedbackPayload(uint64(unsafe.Sizeof(f))))
	return f, nil
}

// GetStatus reads the current lifecycle status.
func (c *Client[Goal, Result, Feedback]) GetStatus() (Status, error) {
	if err := c.ensureAttached(); err != nil {
		return 0, err
	}
	return Status(atomic.LoadInt32(c.ch.status())), nil
}

// CancelGoal stamps a cancellation request. It does not wait for the server
// to observe it and has no effect on a goal the server has not yet accepted.
func (c *Client[Goal, Result, Feedback]) CancelGoal() error {
	if err := c.ensureAttached(); err != nil {
		return err
	}
	atomic.StoreUint64(c.ch.cancelTS(), mclock.Now())
	return nil
}

// Close disconnects from the action's segment, if attached.
func (c *Client[Goal, Result, Feedback]) Close() error {
	if c.seg == nil {
		return nil
	}
	return c.seg.Disconnect()
}
