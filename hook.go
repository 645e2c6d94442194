package weft

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/tracez"
	"golang.org/x/sys/unix"
)

// Observability constants for hooked operations.
const (
	// Spans.
	IOOpSpan      = tracez.Key("weft.io")
	IOConnectSpan = tracez.Key("weft.connect")

	// Tags.
	IOTagOp      = tracez.Tag("io.op")
	IOTagFD      = tracez.Tag("io.fd")
	IOTagEvent   = tracez.Tag("io.event")
	IOTagTimeout = tracez.Tag("io.timeout")
	IOTagErrno   = tracez.Tag("io.errno")
)

var defaultConnectTimeout = Lookup[int64]("tcp.connect.timeout", 5000, "tcp connect timeout in milliseconds")

// connectTimeoutMS caches the config value the way the reactor reads it on
// every connect; the subscription keeps it current across live changes.
var connectTimeoutMS atomic.Int64

func init() {
	connectTimeoutMS.Store(defaultConnectTimeout.Value())
	_ = defaultConnectTimeout.OnChange(func(ctx context.Context, c ConfigChange[int64]) error {
		capitan.Info(ctx, SignalConnectTimeoutChanged,
			FieldOldTimeoutMs.Field(float64(c.Old)),
			FieldTimeoutMs.Field(float64(c.New)),
		)
		connectTimeoutMS.Store(c.New)
		return nil
	})
}

// hookState resolves the reactor and executing fiber a hooked call runs
// under. Both must be present for hooked behavior; otherwise the call
// passes through to the raw syscall, which is what any goroutine outside
// a worker loop gets.
func hookState(ctx context.Context) (*IOManager, *Fiber, bool) {
	m := FromContext(ctx)
	f := Current(ctx)
	if m == nil || f == nil || f.State() != StateExec {
		return nil, nil, false
	}
	return m, f, true
}

// timerInfo carries the cancellation verdict between a hooked operation's
// timeout timer and the parked fiber.
type timerInfo struct {
	cancelled atomic.Int32 // holds a unix.Errno, 0 while live
}

func (t *timerInfo) cancel(errno unix.Errno) bool {
	return t.cancelled.CompareAndSwap(0, int32(errno))
}

func (t *timerInfo) errno() unix.Errno {
	return unix.Errno(t.cancelled.Load())
}

// Sleep suspends the calling fiber for at least d without blocking its
// worker. Outside a fiber it degrades to a plain blocking sleep.
func Sleep(ctx context.Context, d time.Duration) {
	m, f, ok := hookState(ctx)
	if !ok {
		time.Sleep(d)
		return
	}
	m.AddTimer(d, func(context.Context) {
		m.Schedule(FiberTask(f))
	}, false)
	YieldHold(ctx)
}

// Usleep suspends the calling fiber for usec microseconds.
func Usleep(ctx context.Context, usec uint64) {
	Sleep(ctx, time.Duration(usec)*time.Microsecond) //nolint:gosec // duration conversion
}

// Nanosleep suspends the calling fiber for the given duration. It reports
// no remainder: hooked sleeps are never interrupted.
func Nanosleep(ctx context.Context, d time.Duration) {
	Sleep(ctx, d)
}

// Socket creates a socket and, under a worker, registers it with the
// descriptor registry so hooked I/O manages it from the start.
func Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if m, _, ok := hookState(ctx); ok {
		m.registry.Get(fd, true)
	}
	return fd, nil
}

// doIO is the shared shape of every hooked I/O call: try the raw syscall,
// and when it would block, park the calling fiber on descriptor readiness
// with an optional timeout racing it, then retry.
func doIO(ctx context.Context, fd int, op Name, ev Event, raw func() (int, error)) (int, error) {
	m, _, ok := hookState(ctx)
	if !ok {
		return raw()
	}

	fc := m.registry.Get(fd, true)
	if fc == nil {
		return raw()
	}
	if fc.Closed() {
		return -1, unix.EBADF
	}
	if !fc.IsSocket() || fc.UserNonblock() {
		return raw()
	}

	ctx, span := m.tracer.StartSpan(ctx, IOOpSpan)
	span.SetTag(IOTagOp, string(op))
	span.SetTag(IOTagFD, fmt.Sprintf("%d", fd))
	span.SetTag(IOTagEvent, ev.String())
	defer span.Finish()

	to := fc.Timeout(ev)
	tinfo := &timerInfo{}
	witness := NewWitness()
	defer witness.Drop()

	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		var timer *Timer
		if to != TimeoutForever {
			span.SetTag(IOTagTimeout, to.String())
			timer = m.AddConditionTimer(to, func(context.Context) {
				if !tinfo.cancel(unix.ETIMEDOUT) {
					return
				}
				m.CancelEvent(fd, ev)
			}, witness, false)
		}

		if err := m.AddEvent(ctx, fd, ev); err != nil {
			capitan.Error(ctx, SignalHookAddEventFailed,
				FieldOp.Field(string(op)),
				FieldFD.Field(fd),
				FieldEvent.Field(ev.String()),
				FieldError.Field(err.Error()),
			)
			if timer != nil {
				timer.Cancel()
			}
			return -1, err
		}

		YieldHold(ctx)

		if timer != nil {
			timer.Cancel()
		}
		if errno := tinfo.errno(); errno != 0 {
			span.SetTag(IOTagErrno, errno.Error())
			return -1, errno
		}
	}
}

// Read reads from fd into buf, parking the calling fiber until the
// descriptor is readable.
func Read(ctx context.Context, fd int, buf []byte) (int, error) {
	return doIO(ctx, fd, "read", EventRead, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Readv is the vectored variant of Read.
func Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, "readv", EventRead, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(ctx context.Context, fd int, buf []byte, flags int) (int, error) {
	return doIO(ctx, fd, "recv", EventRead, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	})
}

// Recvfrom receives from a socket and reports the sender address.
func Recvfrom(ctx context.Context, fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(ctx, fd, "recvfrom", EventRead, func() (int, error) {
		var rerr error
		var rn int
		rn, from, rerr = unix.Recvfrom(fd, buf, flags)
		return rn, rerr
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(ctx context.Context, fd int, buf, oob []byte, flags int) (int, int, unix.Sockaddr, error) {
	var oobn int
	var from unix.Sockaddr
	n, err := doIO(ctx, fd, "recvmsg", EventRead, func() (int, error) {
		var rerr error
		var rn int
		rn, oobn, _, from, rerr = unix.Recvmsg(fd, buf, oob, flags)
		return rn, rerr
	})
	return n, oobn, from, err
}

// Write writes buf to fd, parking the calling fiber until the descriptor
// is writable.
func Write(ctx context.Context, fd int, buf []byte) (int, error) {
	return doIO(ctx, fd, "write", EventWrite, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Writev is the vectored variant of Write.
func Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, "writev", EventWrite, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends buf on a connected socket.
func Send(ctx context.Context, fd int, buf []byte, flags int) (int, error) {
	return doIO(ctx, fd, "send", EventWrite, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, nil); err != nil {
			return -1, err
		}
		return len(buf), nil
	})
}

// Sendto sends buf to the given address.
func Sendto(ctx context.Context, fd int, buf []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(ctx, fd, "sendto", EventWrite, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, to); err != nil {
			return -1, err
		}
		return len(buf), nil
	})
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(ctx context.Context, fd int, buf, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(ctx, fd, "sendmsg", EventWrite, func() (int, error) {
		return unix.SendmsgN(fd, buf, oob, to, flags)
	})
}

// Accept waits for and accepts a connection, registering the accepted
// descriptor with the registry under a worker.
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(ctx, fd, "accept", EventRead, func() (int, error) {
		var aerr error
		var afd int
		afd, sa, aerr = unix.Accept(fd)
		return afd, aerr
	})
	if err != nil {
		return -1, nil, err
	}
	if m, _, ok := hookState(ctx); ok {
		m.registry.Get(nfd, true)
	}
	return nfd, sa, nil
}

// Connect connects fd to sa with the default tcp.connect.timeout.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	return ConnectTimeout(ctx, fd, sa, time.Duration(connectTimeoutMS.Load())*time.Millisecond)
}

// ConnectTimeout connects fd to sa, parking the calling fiber while the
// connection is in progress. A non-positive timeout waits forever. On
// expiry the error is unix.ETIMEDOUT; otherwise the socket's SO_ERROR
// decides the outcome.
func ConnectTimeout(ctx context.Context, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	m, _, ok := hookState(ctx)
	if !ok {
		return unix.Connect(fd, sa)
	}

	fc := m.registry.Get(fd, true)
	if fc == nil || fc.Closed() {
		return unix.EBADF
	}
	if !fc.IsSocket() || fc.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	ctx, span := m.tracer.StartSpan(ctx, IOConnectSpan)
	span.SetTag(IOTagFD, fmt.Sprintf("%d", fd))
	span.SetTag(IOTagTimeout, timeout.String())
	defer span.Finish()

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		span.SetTag(IOTagErrno, err.Error())
		return err
	}

	tinfo := &timerInfo{}
	witness := NewWitness()
	defer witness.Drop()

	var timer *Timer
	if timeout > 0 {
		timer = m.AddConditionTimer(timeout, func(context.Context) {
			if !tinfo.cancel(unix.ETIMEDOUT) {
				return
			}
			m.CancelEvent(fd, EventWrite)
		}, witness, false)
	}

	if err := m.AddEvent(ctx, fd, EventWrite); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		capitan.Error(ctx, SignalHookAddEventFailed,
			FieldOp.Field("connect"),
			FieldFD.Field(fd),
			FieldError.Field(err.Error()),
		)
		return err
	}

	YieldHold(ctx)

	if timer != nil {
		timer.Cancel()
	}
	if errno := tinfo.errno(); errno != 0 {
		span.SetTag(IOTagErrno, errno.Error())
		return errno
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		errno := unix.Errno(soErr) //nolint:gosec // SO_ERROR is an errno
		span.SetTag(IOTagErrno, errno.Error())
		return errno
	}
	return nil
}

// Close cancels any parked events on fd, drops it from the registry, and
// closes the descriptor.
func Close(ctx context.Context, fd int) error {
	if m, _, ok := hookState(ctx); ok {
		if fc := m.registry.Get(fd, false); fc != nil {
			m.CancelAll(fd)
			fc.markClosed()
			m.registry.Del(fd)
		}
	}
	return unix.Close(fd)
}

// SetNonblock records the non-blocking mode the caller asked for. For a
// framework-managed socket only the user-visible flag changes: the kernel
// descriptor stays non-blocking because the reactor depends on it. For
// anything else the kernel flag is set directly.
func SetNonblock(ctx context.Context, fd int, nonblocking bool) error {
	if m, _, ok := hookState(ctx); ok {
		if fc := m.registry.Get(fd, true); fc != nil && fc.IsSocket() && !fc.Closed() {
			fc.SetUserNonblock(nonblocking)
			return nil
		}
	}
	return unix.SetNonblock(fd, nonblocking)
}

// IsNonblock reports the non-blocking mode the caller last asked for,
// regardless of the kernel flag the framework maintains.
func IsNonblock(ctx context.Context, fd int) (bool, error) {
	if m, _, ok := hookState(ctx); ok {
		if fc := m.registry.Get(fd, false); fc != nil && fc.IsSocket() && !fc.Closed() {
			return fc.UserNonblock(), nil
		}
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// SetsockoptTimeval intercepts SO_RCVTIMEO and SO_SNDTIMEO on managed
// sockets, recording the timeout in the descriptor context where hooked
// I/O enforces it instead of handing it to the kernel. Other options pass
// through.
func SetsockoptTimeval(ctx context.Context, fd, level, opt int, tv *unix.Timeval) error {
	if m, _, ok := hookState(ctx); ok && level == unix.SOL_SOCKET &&
		(opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if fc := m.registry.Get(fd, true); fc != nil {
			d := time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
			if d <= 0 {
				d = TimeoutForever
			}
			ev := EventRead
			if opt == unix.SO_SNDTIMEO {
				ev = EventWrite
			}
			fc.SetTimeout(ev, d)
			return nil
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// GetsockoptInt forwards verbatim; it exists so callers can stay on the
// hooked surface throughout.
func GetsockoptInt(_ context.Context, fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
