// Package segment implements the named, persistent shared-memory object every
// higher-level pattern (topic, service, action) maps its control block onto.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/irlab-shm/shmbus/internal/shmerr"
)

// platform-specific hooks, wired up by mmap_unix.go or mmap_stub.go.
var (
	mmapFile      func(f *os.File, size int) ([]byte, error)
	unmapMemory   func([]byte) error
	devShmUsable  func() bool
)

// Segment is a mapped, named shared-memory region. It owns the file
// descriptor and the mapping; it never implicitly unlinks the underlying
// object — destroying it is a distinct, exclusive operation.
type Segment struct {
	name string // canonical name, e.g. "/shm_robot_arm_pose"
	path string
	file *os.File
	mem  []byte
	log  *zap.Logger
}

// Option configures Connect.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger attaches a structured logger to a Segment for lifecycle events.
// The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func resolveOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

func path(canonicalName string) string {
	trimmed := strings.TrimPrefix(canonicalName, "/")
	if devShmUsable != nil && devShmUsable() {
		return filepath.Join("/dev/shm", trimmed)
	}
	return filepath.Join(os.TempDir(), trimmed)
}

// Create opens (creating if absent) the segment named by logicalName and
// ensures it is at least size bytes, growing it via truncate if it is
// currently smaller. size == 0 adopts the segment's existing size, matching
// SharedMemoryPosix::connect's zero-size convention.
func Create(logicalName string, size uint64, perm Perm, opts ...Option) (*Segment, error) {
	o := resolveOptions(opts)
	canonical := Canonicalize(logicalName)
	p := path(canonical)

	file, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, os.FileMode(perm.mode()))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", shmerr.ErrSegment, p, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", shmerr.ErrSegment, p, err)
	}

	mapSize := uint64(info.Size())
	if size > 0 && mapSize < size {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: truncate %s to %d: %v", shmerr.ErrSegment, p, size, err)
		}
		mapSize = size
	}
	if mapSize == 0 {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s has zero size and no size was requested", shmerr.ErrConfiguration, p)
	}

	mem, err := mmapFile(file, int(mapSize))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", shmerr.ErrSegment, p, err)
	}

	o.logger.Info("segment created", zap.String("name", canonical), zap.Uint64("size", mapSize))
	return &Segment{name: canonical, path: p, file: file, mem: mem, log: o.logger}, nil
}

// Open attaches to an existing segment without creating it. It fails with
// ErrSegment if the segment does not exist.
func Open(logicalName string, opts ...Option) (*Segment, error) {
	o := resolveOptions(opts)
	canonical := Canonicalize(logicalName)
	p := path(canonical)

	file, err := os.OpenFile(p, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", shmerr.ErrSegment, p, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", shmerr.ErrSegment, p, err)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s is empty", shmerr.ErrSegment, p)
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", shmerr.ErrSegment, p, err)
	}

	o.logger.Debug("segment opened", zap.String("name", canonical), zap.Int64("size", info.Size()))
	return &Segment{name: canonical, path: p, file: file, mem: mem, log: o.logger}, nil
}

// Bytes returns the mapped region. Callers in the ring/channel layers build
// typed views over this slice; it must not outlive the Segment.
func (s *Segment) Bytes() []byte { return s.mem }

// Name returns the canonical name this segment was opened under.
func (s *Segment) Name() string { return s.name }

// Disconnect unmaps and closes the segment without unlinking the underlying
// object. Idempotent.
func (s *Segment) Disconnect() error {
	if s.mem != nil {
		if err := unmapMemory(s.mem); err != nil {
			return fmt.Errorf("%w: unmap %s: %v", shmerr.ErrSegment, s.path, err)
		}
		s.mem = nil
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		if err != nil {
			return fmt.Errorf("%w: close %s: %v", shmerr.ErrSegment, s.path, err)
		}
	}
	s.log.Debug("segment disconnected", zap.String("name", s.name))
	return nil
}

// IsDisconnected reports whether this handle no longer refers to a live
// segment: either it was never connected, Disconnect was called, or the
// object's link count dropped to zero because some other process unlinked it.
func (s *Segment) IsDisconnected() bool {
	if s.file == nil {
		return true
	}
	info, err := s.file.Stat()
	if err != nil {
		return true
	}
	// os.FileInfo does not expose Nlink portably; callers on unsupported
	// platforms only get the descriptor-closed check above.
	return !stillLinked(info)
}

// DisconnectAndUnlink disconnects, then removes the underlying named object
// from the host namespace, but only if this handle observes itself as the
// sole referrer (link count 1) at the moment of the call, to avoid pulling
// the object out from under a still-active peer. Use ForceUnlink to bypass
// that check.
func (s *Segment) DisconnectAndUnlink() error {
	sole := s.file != nil && soleReferrer(s.file)
	name := s.name
	path := s.path
	if err := s.Disconnect(); err != nil {
		return err
	}
	if !sole {
		s.log.Warn("skipped unlink: other referrers observed", zap.String("name", name))
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink %s: %v", shmerr.ErrSegment, path, err)
	}
	s.log.Info("segment unlinked", zap.String("name", name))
	return nil
}

// Unlink removes a segment by logical name without requiring a live handle,
// used by the diagnostic CLI's "remove" subcommand.
func Unlink(logicalName string) error {
	canonical := Canonicalize(logicalName)
	p := path(canonical)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s not found", shmerr.ErrSegment, canonical)
		}
		return fmt.Errorf("%w: unlink %s: %v", shmerr.ErrSegment, p, err)
	}
	return nil
}

// ForceUnlink removes a segment by logical name unconditionally, skipping
// the sole-referrer caution DisconnectAndUnlink applies. Used by the
// diagnostic CLI's "remove --force" subcommand.
func ForceUnlink(logicalName string) error {
	return Unlink(logicalName)
}

// Exists probes for a named segment without creating one, waiting up to
// timeout for it to appear. timeout of 0 performs a single check.
func Exists(logicalName string, timeout time.Duration) bool {
	canonical := Canonicalize(logicalName)
	p := path(canonical)
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(p); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
