package weft

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// TimeoutForever is returned by NextTimeout when no timer is registered.
const TimeoutForever = time.Duration(math.MaxInt64)

// rolloverWindow is the backwards clock jump beyond which every timer is
// treated as expired.
const rolloverWindow = time.Hour

// Observability constants for the TimerManager.
const (
	// Metrics.
	TimerScheduledTotal = metricz.Key("timer.scheduled.total")
	TimerFiredTotal     = metricz.Key("timer.fired.total")
	TimerCancelledTotal = metricz.Key("timer.cancelled.total")
	TimerRolloverTotal  = metricz.Key("timer.rollover.total")
)

var timerSeq atomic.Uint64

// Witness guards a condition timer's callback. The callback fires only
// while the witness is alive; once dropped, the timer stays registered but
// its callback is skipped. Drop is idempotent.
type Witness struct {
	alive atomic.Bool
}

// NewWitness creates a live witness.
func NewWitness() *Witness {
	w := &Witness{}
	w.alive.Store(true)
	return w
}

// Drop kills the witness; subsequent fires of timers guarded by it are
// skipped.
func (w *Witness) Drop() {
	w.alive.Store(false)
}

// Alive reports whether the witness has not been dropped.
func (w *Witness) Alive() bool {
	return w.alive.Load()
}

// Timer is a single entry in a TimerManager's deadline-ordered set. Timers
// are created through AddTimer or AddConditionTimer and controlled through
// Cancel, Refresh, and Reset.
type Timer struct {
	deadline  time.Time
	interval  time.Duration
	cb        func(context.Context)
	recurring bool
	seq       uint64
	index     int // heap index; -1 when detached
	mgr       *TimerManager
}

// Cancel removes the timer from its manager and releases the callback so
// captured resources free promptly. Returns false if the timer already
// fired or was cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	m.metrics.Counter(TimerCancelledTotal).Inc()
	return true
}

// Refresh pushes the deadline out to now + interval. Returns false if the
// timer already fired or was cancelled.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.deadline = m.clock.Now().Add(t.interval)
	heap.Push(&m.timers, t)
	return true
}

// Reset changes the interval and recomputes the deadline, either from now
// or by shifting the original start by the interval delta. Returns false
// if the timer already fired or was cancelled. Resetting to the current
// interval with fromNow false changes nothing and returns true without
// that check.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	if d == t.interval && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	start := t.deadline.Add(-t.interval)
	if fromNow {
		start = m.clock.Now()
	}
	t.interval = d
	t.deadline = start.Add(d)
	atFront := m.addLocked(t)
	m.mu.Unlock()

	if atFront {
		m.notifyFront()
	}
	return true
}

// timerHeap orders timers strictly by (deadline, sequence); the sequence
// tie-break keeps iteration deterministic when deadlines collide.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager keeps a deadline-ordered set of one-shot, recurring, and
// condition timers and hands the expired batch to its owner for
// scheduling. It does not run callbacks itself: the owner polls
// NextTimeout for how long it may sleep and calls DrainExpired after
// waking.
//
// When a new timer lands at the front of the set the manager invokes the
// front-insert callback (IOManager uses it to interrupt epoll_wait so the
// shorter deadline is honored).
type TimerManager struct {
	mu       sync.RWMutex
	timers   timerHeap
	tickled  bool
	previous time.Time
	clock    clockz.Clock
	onFront  func()
	metrics  *metricz.Registry
}

// NewTimerManager creates an empty manager on the real clock.
func NewTimerManager() *TimerManager {
	metrics := metricz.New()
	metrics.Counter(TimerScheduledTotal)
	metrics.Counter(TimerFiredTotal)
	metrics.Counter(TimerCancelledTotal)
	metrics.Counter(TimerRolloverTotal)

	return &TimerManager{
		clock:    clockz.RealClock,
		previous: clockz.RealClock.Now(),
		metrics:  metrics,
	}
}

// WithClock sets a custom clock for testing.
func (m *TimerManager) WithClock(clock clockz.Clock) *TimerManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.previous = clock.Now()
	return m
}

// TimerMetrics returns the manager's metrics registry.
func (m *TimerManager) TimerMetrics() *metricz.Registry { return m.metrics }

// AddTimer registers cb to fire after d, and again every d when recurring.
func (m *TimerManager) AddTimer(d time.Duration, cb func(context.Context), recurring bool) *Timer {
	t := &Timer{
		interval:  d,
		cb:        cb,
		recurring: recurring,
		seq:       timerSeq.Add(1),
		index:     -1,
		mgr:       m,
	}

	m.mu.Lock()
	t.deadline = m.clock.Now().Add(d)
	atFront := m.addLocked(t)
	m.mu.Unlock()

	m.metrics.Counter(TimerScheduledTotal).Inc()
	if atFront {
		m.notifyFront()
	}
	return t
}

// AddConditionTimer registers a timer whose callback runs only while the
// witness is alive at fire time.
func (m *TimerManager) AddConditionTimer(d time.Duration, cb func(context.Context), w *Witness, recurring bool) *Timer {
	return m.AddTimer(d, func(ctx context.Context) {
		if w.Alive() {
			cb(ctx)
		}
	}, recurring)
}

// HasTimer reports whether any timer is registered.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// NextTimeout returns how long the owner may sleep before the earliest
// deadline: zero when a timer is already due, TimeoutForever when the set
// is empty. Calling it re-arms the front-insert notification.
func (m *TimerManager) NextTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return TimeoutForever
	}
	now := m.clock.Now()
	head := m.timers[0]
	if !head.deadline.After(now) {
		return 0
	}
	return head.deadline.Sub(now)
}

// DrainExpired removes every timer whose deadline has passed and returns
// their callbacks in deadline order. Recurring timers are re-registered at
// now + interval; one-shot timers have their callbacks cleared. A
// backwards clock jump larger than an hour expires everything (rollover
// guard).
func (m *TimerManager) DrainExpired() []func(context.Context) {
	m.mu.Lock()

	if len(m.timers) == 0 {
		m.mu.Unlock()
		return nil
	}

	now := m.clock.Now()
	rollover := m.detectClockRollover(now)
	if !rollover && m.timers[0].deadline.After(now) {
		m.mu.Unlock()
		return nil
	}

	var expired []*Timer
	for len(m.timers) > 0 {
		head := m.timers[0]
		if !rollover && head.deadline.After(now) {
			break
		}
		heap.Pop(&m.timers)
		expired = append(expired, head)
	}

	cbs := make([]func(context.Context), 0, len(expired))
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.deadline = now.Add(t.interval)
			heap.Push(&m.timers, t)
		} else {
			t.cb = nil
		}
	}
	m.mu.Unlock()

	m.metrics.Counter(TimerFiredTotal).Add(float64(len(cbs)))
	if rollover {
		m.metrics.Counter(TimerRolloverTotal).Inc()
		capitan.Warn(context.Background(), SignalTimerRollover,
			FieldCount.Field(len(cbs)),
		)
	}
	return cbs
}

// addLocked inserts the timer and reports whether it became the new head
// while the front-insert latch was clear. Callers invoke notifyFront
// outside the lock when it returns true.
func (m *TimerManager) addLocked(t *Timer) bool {
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && !m.tickled
	if atFront {
		m.tickled = true
	}
	return atFront
}

func (m *TimerManager) notifyFront() {
	if m.onFront != nil {
		m.onFront()
	}
}

// detectClockRollover reports whether now jumped backwards past the
// rollover window. Must be called with the lock held.
func (m *TimerManager) detectClockRollover(now time.Time) bool {
	rollover := now.Before(m.previous.Add(-rolloverWindow))
	m.previous = now
	return rollover
}
