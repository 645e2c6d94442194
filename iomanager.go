package weft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sys/unix"
)

// maxEpollTimeout caps how long a worker sleeps in epoll_wait even with no
// timer due, so stop requests are noticed promptly.
const maxEpollTimeout = 3 * time.Second

// epollEventBatch is the number of events fetched per epoll_wait.
const epollEventBatch = 64

// Observability constants for the IOManager.
const (
	// Metrics.
	IOEventsAddedTotal     = metricz.Key("iomanager.events.added.total")
	IOEventsTriggeredTotal = metricz.Key("iomanager.events.triggered.total")
	IOEventsCancelledTotal = metricz.Key("iomanager.events.cancelled.total")
	IOPendingEvents        = metricz.Key("iomanager.events.pending")
	IOTicklesTotal         = metricz.Key("iomanager.tickles.total")
)

var tickleByte = []byte{'T'}

// IOManager is a Scheduler specialized with an epoll reactor and a
// TimerManager. Its idle fibers block in epoll_wait for at most the next
// timer deadline; on wake they drain expired timers into the task queue
// and re-schedule the fibers or callbacks parked on ready descriptors.
//
// A wake pipe registered edge-triggered on the epoll set lets Schedule
// interrupt a sleeping worker ("tickle"): one byte per wake, drained in
// bulk.
//
// Descriptor state lives in an FdRegistry shared with the hooked syscall
// layer, so a fiber parked by a hooked read and an event registered
// directly through AddEvent use the same per-fd slots.
type IOManager struct {
	*Scheduler
	*TimerManager

	epfd      int
	wakeRead  int
	wakeWrite int

	registry *FdRegistry
	pending  atomic.Int64
	stopOnce sync.Once

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewIOManager creates and starts a reactor-backed scheduler. With
// useCaller the constructing goroutine becomes worker 0 and runs during
// Stop, exactly as with NewScheduler.
func NewIOManager(workers int, useCaller bool, name Name) (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("weft: epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("weft: pipe2: %w", err)
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(pipeFds[0]), //nolint:gosec // fd fits int32
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipeFds[0], &ev); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		return nil, fmt.Errorf("weft: epoll_ctl wake pipe: %w", err)
	}

	metrics := metricz.New()
	metrics.Counter(IOEventsAddedTotal)
	metrics.Counter(IOEventsTriggeredTotal)
	metrics.Counter(IOEventsCancelledTotal)
	metrics.Counter(IOTicklesTotal)
	metrics.Gauge(IOPendingEvents)

	m := &IOManager{
		Scheduler:    NewScheduler(workers, useCaller, name),
		TimerManager: NewTimerManager(),
		epfd:         epfd,
		wakeRead:     pipeFds[0],
		wakeWrite:    pipeFds[1],
		registry:     DefaultFdRegistry(),
		metrics:      metrics,
		tracer:       tracez.New(),
	}
	m.Scheduler.hooks = m
	m.Scheduler.io = m
	m.TimerManager.onFront = m.onTimerInsertedAtFront

	m.Start()
	return m, nil
}

// Metrics returns the reactor's metrics registry. The embedded scheduler
// and timer manager keep their own (Scheduler.Metrics, TimerMetrics).
func (m *IOManager) Metrics() *metricz.Registry { return m.metrics }

// Tracer returns the tracer used for hooked operation spans.
func (m *IOManager) Tracer() *tracez.Tracer { return m.tracer }

// Registry returns the descriptor registry this reactor shares with the
// hooked syscall layer.
func (m *IOManager) Registry() *FdRegistry { return m.registry }

// PendingEvents returns the number of occupied event slots.
func (m *IOManager) PendingEvents() int64 { return m.pending.Load() }

// AddEvent registers interest in one direction of fd. Without a callback
// the calling fiber (from ctx) is parked as the event's parker and must be
// executing; with one, the callback is scheduled on readiness. Registering
// a direction that is already armed on the descriptor is a programming
// error.
func (m *IOManager) AddEvent(ctx context.Context, fd int, ev Event, cb ...func(context.Context)) error {
	if ev != EventRead && ev != EventWrite {
		panic(fmt.Sprintf("weft: AddEvent with invalid event %s", ev))
	}

	fc := m.registry.Get(fd, true)
	if fc == nil {
		return unix.EBADF
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		panic(fmt.Sprintf("weft: duplicate %s event on fd %d", ev, fd))
	}

	op := unix.EPOLL_CTL_MOD
	if fc.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	epev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(fc.events) | uint32(ev),
		Fd:     int32(fd), //nolint:gosec // fd fits int32
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &epev); err != nil {
		capitan.Error(ctx, SignalEpollError,
			FieldName.Field(string(m.Name())),
			FieldFD.Field(fd),
			FieldEvent.Field(ev.String()),
			FieldError.Field(err.Error()),
		)
		return err
	}

	m.pending.Add(1)
	m.metrics.Counter(IOEventsAddedTotal).Inc()
	m.metrics.Gauge(IOPendingEvents).Set(float64(m.pending.Load()))

	fc.events |= ev
	slot := fc.slotFor(ev)
	if !slot.empty() {
		panic(fmt.Sprintf("weft: occupied %s slot on fd %d", ev, fd))
	}
	slot.sched = m.Scheduler
	if len(cb) > 0 && cb[0] != nil {
		slot.cb = cb[0]
	} else {
		f := Current(ctx)
		if f == nil {
			panic("weft: AddEvent without callback outside a fiber")
		}
		if f.State() != StateExec {
			panic(fmt.Sprintf("weft: AddEvent parker fiber %d not executing", f.ID()))
		}
		slot.fiber = f
	}
	return nil
}

// DelEvent removes interest in one direction of fd without waking its
// parker. Returns false when the direction was not armed.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	fc := m.registry.Get(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	if err := m.rearm(fd, left); err != nil {
		return false
	}

	m.pending.Add(-1)
	m.metrics.Gauge(IOPendingEvents).Set(float64(m.pending.Load()))
	fc.events = left
	fc.slotFor(ev).reset()
	return true
}

// CancelEvent removes interest in one direction of fd and fires its
// parker immediately, signalling cancellation. Returns false when the
// direction was not armed.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := m.registry.Get(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	if err := m.rearm(fd, left); err != nil {
		return false
	}

	m.trigger(fc, ev)
	m.pending.Add(-1)
	m.metrics.Counter(IOEventsCancelledTotal).Inc()
	m.metrics.Gauge(IOPendingEvents).Set(float64(m.pending.Load()))
	return true
}

// CancelAll fires the parkers of both directions of fd and removes it
// from the epoll set. Returns false when nothing was armed.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.registry.Get(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events == EventNone {
		return false
	}

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		capitan.Error(context.Background(), SignalEpollError,
			FieldName.Field(string(m.Name())),
			FieldFD.Field(fd),
			FieldError.Field(err.Error()),
		)
		return false
	}

	if fc.events&EventRead != 0 {
		m.trigger(fc, EventRead)
		m.pending.Add(-1)
		m.metrics.Counter(IOEventsCancelledTotal).Inc()
	}
	if fc.events&EventWrite != 0 {
		m.trigger(fc, EventWrite)
		m.pending.Add(-1)
		m.metrics.Counter(IOEventsCancelledTotal).Inc()
	}
	m.metrics.Gauge(IOPendingEvents).Set(float64(m.pending.Load()))
	return true
}

// rearm updates the epoll registration of fd to the remaining interests,
// deleting it when none are left. Callers hold the FdContext mutex.
func (m *IOManager) rearm(fd int, left Event) error {
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(left),
		Fd:     int32(fd), //nolint:gosec // fd fits int32
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &epev); err != nil {
		capitan.Error(context.Background(), SignalEpollError,
			FieldName.Field(string(m.Name())),
			FieldFD.Field(fd),
			FieldError.Field(err.Error()),
		)
		return err
	}
	return nil
}

// trigger schedules the parker of one direction and empties the slot.
// Callers hold the FdContext mutex and own the pending-count adjustment.
func (m *IOManager) trigger(fc *FdContext, ev Event) {
	fc.events &^= ev
	slot := fc.slotFor(ev)
	sched := slot.sched
	if sched == nil {
		sched = m.Scheduler
	}
	if slot.cb != nil {
		sched.Schedule(FuncTask(slot.cb))
	} else if slot.fiber != nil {
		sched.Schedule(FiberTask(slot.fiber))
	}
	slot.reset()
	m.metrics.Counter(IOEventsTriggeredTotal).Inc()
}

// tickle wakes a worker sleeping in epoll_wait with one byte on the wake
// pipe. When no worker is idle the queue will be seen on the next loop
// round anyway, so it is a no-op.
func (m *IOManager) tickle() {
	if !m.HasIdleWorkers() {
		return
	}
	m.metrics.Counter(IOTicklesTotal).Inc()
	if _, err := unix.Write(m.wakeWrite, tickleByte); err != nil && err != unix.EAGAIN {
		capitan.Error(context.Background(), SignalEpollError,
			FieldName.Field(string(m.Name())),
			FieldError.Field(err.Error()),
		)
	}
}

// onTimerInsertedAtFront interrupts sleeping workers so the epoll timeout
// is recomputed against the new earliest deadline.
func (m *IOManager) onTimerInsertedAtFront() {
	m.tickle()
}

// stopping holds when no timers remain, no event slot is occupied, and
// the base scheduler is drained.
func (m *IOManager) stopping() bool {
	return m.NextTimeout() == TimeoutForever &&
		m.pending.Load() == 0 &&
		m.baseStopping()
}

// idle is the reactor worker's idle fiber: wait for descriptor readiness
// or the next timer deadline, dispatch both into the task queue, then
// yield so the worker processes what was scheduled before looping.
func (m *IOManager) idle(ctx context.Context) {
	events := make([]unix.EpollEvent, epollEventBatch)

	for {
		timeout := m.NextTimeout()
		if timeout == TimeoutForever && m.pending.Load() == 0 && m.baseStopping() {
			capitan.Info(ctx, SignalSchedulerIdleExit,
				FieldName.Field(string(m.Name())),
			)
			return
		}

		wait := maxEpollTimeout
		if timeout != TimeoutForever && timeout < wait {
			wait = timeout
		}

		var n int
		for {
			var err error
			n, err = unix.EpollWait(m.epfd, events, int(wait/time.Millisecond))
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				capitan.Error(ctx, SignalEpollError,
					FieldName.Field(string(m.Name())),
					FieldError.Field(err.Error()),
				)
				n = 0
			}
			break
		}

		if cbs := m.DrainExpired(); len(cbs) > 0 {
			tasks := make([]Task, len(cbs))
			for i, cb := range cbs {
				tasks[i] = FuncTask(cb)
			}
			m.Schedule(tasks...)
		}

		for i := 0; i < n; i++ {
			e := &events[i]
			fd := int(e.Fd)

			if fd == m.wakeRead {
				m.drainWakePipe()
				continue
			}

			fc := m.registry.Get(fd, false)
			if fc == nil {
				continue
			}

			fc.mu.Lock()
			bits := e.Events
			if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Force both directions so the parker observes the
				// error through its retried syscall.
				bits |= unix.EPOLLIN | unix.EPOLLOUT
			}
			var real Event
			if bits&unix.EPOLLIN != 0 {
				real |= EventRead
			}
			if bits&unix.EPOLLOUT != 0 {
				real |= EventWrite
			}
			real &= fc.events
			if real == EventNone {
				fc.mu.Unlock()
				continue
			}

			left := fc.events &^ real
			if err := m.rearm(fd, left); err != nil {
				fc.mu.Unlock()
				continue
			}

			if real&EventRead != 0 {
				m.trigger(fc, EventRead)
				m.pending.Add(-1)
			}
			if real&EventWrite != 0 {
				m.trigger(fc, EventWrite)
				m.pending.Add(-1)
			}
			m.metrics.Gauge(IOPendingEvents).Set(float64(m.pending.Load()))
			fc.mu.Unlock()
		}

		YieldHold(ctx)
	}
}

func (m *IOManager) drainWakePipe() {
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(m.wakeRead, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Stop shuts down the scheduler, then releases the epoll instance and the
// wake pipe. Stop is idempotent.
func (m *IOManager) Stop() {
	m.stopOnce.Do(func() {
		m.Scheduler.Stop()
		m.tracer.Close()
		unix.Close(m.epfd)
		unix.Close(m.wakeRead)
		unix.Close(m.wakeWrite)
	})
}
