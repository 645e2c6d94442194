package weft

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// State is the lifecycle state of a Fiber.
type State int32

// Fiber states. A fiber is created StateInit, becomes StateExec while its
// entry runs, parks as StateHold or StateReady when it yields, and ends in
// StateTerm (entry returned) or StateExcept (entry panicked).
const (
	StateInit State = iota
	StateHold
	StateExec
	StateTerm
	StateReady
	StateExcept
)

// String returns the state name for logs and panics.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHold:
		return "hold"
	case StateExec:
		return "exec"
	case StateTerm:
		return "term"
	case StateReady:
		return "ready"
	case StateExcept:
		return "except"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var defaultStackSize = Lookup[uint32]("fiber.stack_size", 1024*1024, "fiber stack size")

var (
	fiberSeq   atomic.Uint64
	fiberCount atomic.Int64
)

// TotalFibers returns the number of fibers in the process that have not
// yet terminated. A finished fiber re-armed with Reset counts again.
func TotalFibers() int64 {
	return fiberCount.Load()
}

// Fiber is a cooperatively scheduled execution context. Its entry function
// runs on a dedicated goroutine; control transfers between the resumer and
// the fiber through an explicit resume/yield handshake, so within a worker
// exactly one fiber executes at a time.
//
// The entry receives a context identifying the fiber and, once a scheduler
// adopts it, the scheduler and IOManager driving it. Hooked blocking calls
// consult that context to park the fiber instead of the OS thread.
//
// A terminated fiber can be given a new entry with Reset and resumed
// again; the backing resources are reused.
type Fiber struct {
	id        uint64
	stackSize uint32
	entry     func(context.Context)
	state     atomic.Int32
	started   bool
	resumeCh  chan struct{}
	yieldCh   chan State
	ctx       context.Context
}

// NewFiber creates a fiber in StateInit. The advisory stack size is taken
// from the fiber.stack_size config var; the runtime grows the real stack
// on demand.
func NewFiber(entry func(context.Context)) *Fiber {
	f := &Fiber{
		id:        fiberSeq.Add(1),
		stackSize: defaultStackSize.Value(),
		entry:     entry,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan State),
	}
	fiberCount.Add(1)
	return f
}

// WithStackSize overrides the advisory stack size recorded on the fiber.
func (f *Fiber) WithStackSize(size uint32) *Fiber {
	if size > 0 {
		f.stackSize = size
	}
	return f
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the advisory stack size recorded at creation.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// State returns the fiber's current state.
func (f *Fiber) State() State {
	return State(f.state.Load())
}

func (f *Fiber) setState(s State) {
	f.state.Store(int32(s))
}

// Reset re-arms a finished fiber with a new entry, reusing the fiber's
// identity and channels. Valid only from StateInit, StateTerm, or
// StateExcept; anything else is a programming error.
func (f *Fiber) Reset(entry func(context.Context)) {
	switch f.State() {
	case StateTerm, StateExcept:
		fiberCount.Add(1)
	case StateInit:
	default:
		panic(fmt.Sprintf("weft: reset of fiber %d in state %s", f.id, f.State()))
	}
	f.entry = entry
	f.started = false
	f.setState(StateInit)
}

// bind attaches the context the entry will observe. Adopting schedulers
// call this before the first resume; binding after the entry has started
// has no effect.
func (f *Fiber) bind(ctx context.Context) {
	if !f.started {
		f.ctx = ctx
	}
}

func (f *Fiber) context() context.Context {
	if f.ctx != nil {
		return f.ctx
	}
	return context.Background()
}

// Resume transfers control to the fiber until it yields or finishes, and
// returns the state it left in: StateReady or StateHold after a yield,
// StateTerm or StateExcept when the entry returned or panicked. Resuming
// a fiber that is executing or already finished is a programming error.
func (f *Fiber) Resume() State {
	switch s := f.State(); s {
	case StateInit, StateReady, StateHold:
	default:
		panic(fmt.Sprintf("weft: resume of fiber %d in state %s", f.id, s))
	}
	f.setState(StateExec)
	if !f.started {
		f.started = true
		go f.run()
	} else {
		f.resumeCh <- struct{}{}
	}
	return <-f.yieldCh
}

// run is the trampoline: it invokes the entry, contains any panic, and
// hands the final state back to the resumer. The goroutine exits after the
// terminal handoff; Reset starts a fresh one.
func (f *Fiber) run() {
	ctx := withFiber(f.context(), f)
	defer func() {
		if r := recover(); r != nil {
			f.setState(StateExcept)
			capitan.Error(ctx, SignalFiberExcept,
				FieldFiberID.Field(int(f.id)), //nolint:gosec // display only
				FieldError.Field(fmt.Sprint(r)),
				FieldStack.Field(string(debug.Stack())),
			)
			f.entry = nil
			fiberCount.Add(-1)
			f.yieldCh <- StateExcept
		}
	}()
	f.entry(ctx)
	f.entry = nil
	f.setState(StateTerm)
	fiberCount.Add(-1)
	f.yieldCh <- StateTerm
}

// yield parks the fiber in the given state and blocks until the next
// Resume. Must be called from within the fiber's entry.
func (f *Fiber) yield(s State) {
	f.setState(s)
	f.yieldCh <- s
	<-f.resumeCh
}

// YieldHold parks the calling fiber as StateHold. The fiber stays off the
// run queue until something — an I/O event, a timer, a cancellation —
// schedules it again.
func YieldHold(ctx context.Context) {
	f := Current(ctx)
	if f == nil {
		panic("weft: YieldHold outside a fiber")
	}
	f.yield(StateHold)
}

// YieldReady parks the calling fiber as StateReady; the worker loop
// re-queues it immediately.
func YieldReady(ctx context.Context) {
	f := Current(ctx)
	if f == nil {
		panic("weft: YieldReady outside a fiber")
	}
	f.yield(StateReady)
}
