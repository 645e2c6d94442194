package weft

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// eventSlot holds the parker for one direction of an FdContext: the
// scheduler that will run it plus either a parked fiber or a callback.
// A slot is either empty or holds exactly one parker.
type eventSlot struct {
	sched *Scheduler
	fiber *Fiber
	cb    func(context.Context)
}

func (s *eventSlot) empty() bool {
	return s.sched == nil && s.fiber == nil && s.cb == nil
}

func (s *eventSlot) reset() {
	s.sched = nil
	s.fiber = nil
	s.cb = nil
}

// FdContext is the per-descriptor state shared by the reactor and the
// hooked syscall layer: socket-ness, the framework-owned and user-intended
// non-blocking flags, send/recv timeouts, and one event slot per
// direction.
type FdContext struct {
	mu           sync.Mutex
	fd           int
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  time.Duration
	sendTimeout  time.Duration
	events       Event
	read         eventSlot
	write        eventSlot
}

// newFdContext stats the descriptor to determine socket-ness and, for
// sockets, moves the kernel flag to non-blocking (the framework owns it;
// the user-visible flag is tracked separately). Returns an error when the
// descriptor cannot be stat'ed, e.g. it is already closed.
func newFdContext(fd int) (*FdContext, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}

	c := &FdContext{
		fd:          fd,
		isSocket:    st.Mode&unix.S_IFMT == unix.S_IFSOCK,
		recvTimeout: TimeoutForever,
		sendTimeout: TimeoutForever,
	}

	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return nil, err
		}
		if flags&unix.O_NONBLOCK == 0 {
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
				return nil, err
			}
		}
		c.sysNonblock = true
	}
	return c, nil
}

// FD returns the descriptor value.
func (c *FdContext) FD() int { return c.fd }

// IsSocket reports whether the descriptor is a socket.
func (c *FdContext) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// Closed reports whether the hooked close ran for this descriptor.
func (c *FdContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FdContext) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SetUserNonblock records the non-blocking mode the user asked for. The
// kernel flag is untouched: sockets stay non-blocking under the
// framework regardless.
func (c *FdContext) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// UserNonblock returns the user-intended non-blocking flag.
func (c *FdContext) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetSysNonblock records whether the framework set the kernel flag.
func (c *FdContext) SetSysNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sysNonblock = v
}

// SysNonblock returns the framework-owned non-blocking flag.
func (c *FdContext) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetTimeout records the hooked timeout for one direction: EventRead maps
// to the receive timeout, EventWrite to the send timeout.
func (c *FdContext) SetTimeout(ev Event, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev == EventRead {
		c.recvTimeout = d
	} else {
		c.sendTimeout = d
	}
}

// Timeout returns the hooked timeout for one direction.
func (c *FdContext) Timeout(ev Event) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev == EventRead {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// slotFor returns the event slot for a single direction.
func (c *FdContext) slotFor(ev Event) *eventSlot {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}

// FdRegistry is the process-wide descriptor table. Entries are created
// lazily on first use; lookups on the hot path take only the read lock,
// the write lock is taken only to add an entry (growing the table when
// needed) or to delete one.
type FdRegistry struct {
	mu  sync.RWMutex
	fds []*FdContext
}

// NewFdRegistry creates an empty registry.
func NewFdRegistry() *FdRegistry {
	return &FdRegistry{
		fds: make([]*FdContext, 32),
	}
}

var defaultRegistry = NewFdRegistry()

// DefaultFdRegistry returns the registry shared by hooked calls and every
// IOManager.
func DefaultFdRegistry() *FdRegistry {
	return defaultRegistry
}

// Get returns the context for fd. With autoCreate, a missing entry is
// created by stat'ing the descriptor; descriptors that cannot be stat'ed
// (closed, invalid) yield nil. This also covers fds the process inherited
// or dup'ed: their entries appear on first hooked use.
func (r *FdRegistry) Get(fd int, autoCreate bool) *FdContext {
	if fd < 0 {
		return nil
	}

	r.mu.RLock()
	if fd < len(r.fds) {
		if c := r.fds[fd]; c != nil || !autoCreate {
			r.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	c, err := newFdContext(fd)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.fds) {
		size := fd + fd/2 + 1
		grown := make([]*FdContext, size)
		copy(grown, r.fds)
		r.fds = grown
	}
	if existing := r.fds[fd]; existing != nil {
		return existing
	}
	r.fds[fd] = c
	return c
}

// Del drops the entry for fd, if any.
func (r *FdRegistry) Del(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= 0 && fd < len(r.fds) {
		r.fds[fd] = nil
	}
}
