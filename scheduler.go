package weft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Name identifies a scheduler, a config var, or a hooked operation.
type Name = string

// AnyWorker pins a task to no particular worker; the first free worker
// takes it.
const AnyWorker = -1

// Observability constants for the Scheduler.
const (
	// Metrics.
	SchedulerTasksScheduled = metricz.Key("scheduler.tasks.scheduled.total")
	SchedulerTasksResumed   = metricz.Key("scheduler.tasks.resumed.total")
	SchedulerActiveWorkers  = metricz.Key("scheduler.workers.active")
	SchedulerIdleWorkers    = metricz.Key("scheduler.workers.idle")

	// Hook event keys.
	SchedulerEventStarted = hookz.Key("scheduler.started")
	SchedulerEventStopped = hookz.Key("scheduler.stopped")
)

// SchedulerEvent is emitted via hookz on lifecycle transitions.
type SchedulerEvent struct {
	Name    Name // Scheduler name
	Workers int  // Configured worker count
}

// Task is one unit of scheduler work: a fiber to resume or a callback to
// run on a lazily reused callback fiber, optionally pinned to a worker.
// Construct with FiberTask or FuncTask.
type Task struct {
	fiber  *Fiber
	cb     func(context.Context)
	worker int
}

// FiberTask wraps a fiber for scheduling on any worker.
func FiberTask(f *Fiber) Task {
	return Task{fiber: f, worker: AnyWorker}
}

// FuncTask wraps a callback for scheduling on any worker.
func FuncTask(cb func(context.Context)) Task {
	return Task{cb: cb, worker: AnyWorker}
}

// On pins the task to a specific worker id. Pinned tasks stay queued until
// that worker takes them.
func (t Task) On(worker int) Task {
	t.worker = worker
	return t
}

func (t Task) valid() bool {
	return t.fiber != nil || t.cb != nil
}

// schedulerHooks are the overridable points of the worker loop. The base
// scheduler supplies defaults; IOManager substitutes its reactor-aware
// versions.
type schedulerHooks interface {
	tickle()
	idle(ctx context.Context)
	stopping() bool
}

// Scheduler multiplexes fibers and callbacks over a pool of workers. Each
// worker drains the shared queue, resuming fibers until they yield or
// finish, and runs an idle fiber when the queue has nothing for it.
//
// With useCaller, the constructing goroutine is reserved as worker 0: it
// does not run until Stop, which then drives the worker loop on the caller
// until every queued task has drained. Without useCaller all workers are
// spawned goroutines and Stop only signals and joins them.
//
// Scheduling is cooperative: a fiber runs until it yields (explicitly or
// inside a hooked blocking call) or returns. There is no preemption and
// no work stealing between workers.
type Scheduler struct {
	name      Name
	useCaller bool
	spawn     int // goroutines to start
	total     int // spawn + caller worker if any

	mu    sync.Mutex
	tasks []Task
	quit  bool
	auto  bool

	wg          sync.WaitGroup
	activeCount atomic.Int64
	idleCount   atomic.Int64

	hooks   schedulerHooks
	io      *IOManager // set when owned by an IOManager
	metrics *metricz.Registry
	events  *hookz.Hooks[SchedulerEvent]
}

// NewScheduler creates a stopped scheduler with the given worker count.
// workers must be at least 1; with useCaller one of them is the caller.
func NewScheduler(workers int, useCaller bool, name Name) *Scheduler {
	if workers < 1 {
		panic("weft: scheduler needs at least one worker")
	}
	spawn := workers
	if useCaller {
		spawn--
	}

	metrics := metricz.New()
	metrics.Counter(SchedulerTasksScheduled)
	metrics.Counter(SchedulerTasksResumed)
	metrics.Gauge(SchedulerActiveWorkers)
	metrics.Gauge(SchedulerIdleWorkers)

	s := &Scheduler{
		name:      name,
		useCaller: useCaller,
		spawn:     spawn,
		total:     workers,
		quit:      true,
		metrics:   metrics,
		events:    hookz.New[SchedulerEvent](),
	}
	s.hooks = (*baseHooks)(s)
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() Name { return s.name }

// Workers returns the configured worker count, including the caller
// worker when useCaller is set.
func (s *Scheduler) Workers() int { return s.total }

// HasIdleWorkers reports whether any worker is currently parked in its
// idle fiber.
func (s *Scheduler) HasIdleWorkers() bool {
	return s.idleCount.Load() > 0
}

// Metrics returns the scheduler's metrics registry.
func (s *Scheduler) Metrics() *metricz.Registry { return s.metrics }

// OnStart registers a handler for the started lifecycle event.
func (s *Scheduler) OnStart(handler func(context.Context, SchedulerEvent) error) error {
	_, err := s.events.Hook(SchedulerEventStarted, handler)
	return err
}

// OnStop registers a handler for the stopped lifecycle event.
func (s *Scheduler) OnStop(handler func(context.Context, SchedulerEvent) error) error {
	_, err := s.events.Hook(SchedulerEventStopped, handler)
	return err
}

// Schedule appends tasks to the queue under a single lock acquisition and
// wakes a worker if the queue was empty. Invalid (zero) tasks are skipped.
func (s *Scheduler) Schedule(tasks ...Task) {
	needTickle := false
	added := 0
	s.mu.Lock()
	wasEmpty := len(s.tasks) == 0
	for _, t := range tasks {
		if !t.valid() {
			continue
		}
		s.tasks = append(s.tasks, t)
		added++
	}
	needTickle = wasEmpty && added > 0
	s.mu.Unlock()

	if added > 0 {
		s.metrics.Counter(SchedulerTasksScheduled).Add(float64(added))
	}
	if needTickle {
		s.hooks.tickle()
	}
}

// Start launches the worker goroutines. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if !s.quit {
		s.mu.Unlock()
		return
	}
	s.quit = false
	s.mu.Unlock()

	for i := 0; i < s.spawn; i++ {
		id := i
		if s.useCaller {
			id = i + 1
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(id)
		}()
	}

	ctx := s.workerContext()
	capitan.Info(ctx, SignalSchedulerStarted,
		FieldName.Field(string(s.name)),
		FieldWorkers.Field(s.total),
	)
	_ = s.events.Emit(ctx, SchedulerEventStarted, SchedulerEvent{Name: s.name, Workers: s.total}) //nolint:errcheck
}

// Stop shuts the scheduler down: it marks the quitting state, tickles
// every worker, drives the worker loop on the caller when useCaller is
// set (draining remaining tasks), and joins all spawned workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.auto {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.auto = true
	s.quit = true
	s.mu.Unlock()

	for i := 0; i < s.total; i++ {
		s.hooks.tickle()
	}

	if s.useCaller && !s.hooks.stopping() {
		s.run(0)
	}

	s.wg.Wait()

	ctx := s.workerContext()
	capitan.Info(ctx, SignalSchedulerStopped,
		FieldName.Field(string(s.name)),
	)
	_ = s.events.Emit(ctx, SchedulerEventStopped, SchedulerEvent{Name: s.name, Workers: s.total}) //nolint:errcheck
}

// workerContext builds the context every fiber adopted by this scheduler
// observes: the scheduler itself and, when reactor-owned, the IOManager.
func (s *Scheduler) workerContext() context.Context {
	ctx := withScheduler(context.Background(), s)
	if s.io != nil {
		ctx = withIOManager(ctx, s.io)
	}
	return ctx
}

// run is the worker loop. It pops tasks matching this worker (or
// unpinned), resumes them, and falls back to the idle fiber when the
// queue holds nothing runnable. The loop exits when the idle fiber
// terminates, which the idle hook does once stopping() holds.
func (s *Scheduler) run(id int) {
	ctx := s.workerContext()
	capitan.Info(ctx, SignalSchedulerRun,
		FieldName.Field(string(s.name)),
		FieldWorker.Field(id),
	)

	idle := NewFiber(func(ctx context.Context) {
		s.hooks.idle(ctx)
	})
	idle.bind(ctx)
	var cbFiber *Fiber

	for {
		var task Task
		found := false
		tickleMe := false

		s.mu.Lock()
		for i := 0; i < len(s.tasks); i++ {
			t := s.tasks[i]
			if t.worker != AnyWorker && t.worker != id {
				tickleMe = true
				continue
			}
			if t.fiber != nil && t.fiber.State() == StateExec {
				continue
			}
			task = t
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.activeCount.Add(1)
			found = true
			break
		}
		s.mu.Unlock()

		if tickleMe {
			s.hooks.tickle()
		}

		switch {
		case found && task.fiber != nil:
			f := task.fiber
			if st := f.State(); st == StateTerm || st == StateExcept {
				s.activeCount.Add(-1)
				continue
			}
			f.bind(ctx)
			s.metrics.Counter(SchedulerTasksResumed).Inc()
			st := f.Resume()
			s.activeCount.Add(-1)
			if st == StateReady {
				s.Schedule(FiberTask(f))
			}
			// StateHold: parked elsewhere; StateTerm/StateExcept: dropped.

		case found && task.cb != nil:
			if cbFiber == nil {
				cbFiber = NewFiber(task.cb)
			} else {
				cbFiber.Reset(task.cb)
			}
			cbFiber.bind(ctx)
			s.metrics.Counter(SchedulerTasksResumed).Inc()
			st := cbFiber.Resume()
			s.activeCount.Add(-1)
			switch st {
			case StateReady:
				s.Schedule(FiberTask(cbFiber))
				cbFiber = nil
			case StateHold:
				cbFiber = nil // parked in an event slot or timer
			default:
				// StateTerm/StateExcept: keep for reuse via Reset.
			}

		default:
			if idle.State() == StateTerm {
				capitan.Info(ctx, SignalSchedulerIdleExit,
					FieldName.Field(string(s.name)),
					FieldWorker.Field(id),
				)
				return
			}
			s.idleCount.Add(1)
			s.metrics.Gauge(SchedulerIdleWorkers).Set(float64(s.idleCount.Load()))
			idle.Resume()
			s.idleCount.Add(-1)
			s.metrics.Gauge(SchedulerIdleWorkers).Set(float64(s.idleCount.Load()))
		}
		s.metrics.Gauge(SchedulerActiveWorkers).Set(float64(s.activeCount.Load()))
	}
}

// baseHooks are the default tickle/idle/stopping implementations.
type baseHooks Scheduler

func (h *baseHooks) tickle() {
	s := (*Scheduler)(h)
	capitan.Info(s.workerContext(), SignalSchedulerTickle,
		FieldName.Field(string(s.name)),
	)
}

func (h *baseHooks) idle(ctx context.Context) {
	s := (*Scheduler)(h)
	for !s.hooks.stopping() {
		YieldHold(ctx)
	}
}

func (h *baseHooks) stopping() bool {
	return (*Scheduler)(h).baseStopping()
}

// baseStopping is the quitting predicate of the plain scheduler: Stop was
// requested, the queue is empty, and no worker is mid-task.
func (s *Scheduler) baseStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto && s.quit && len(s.tasks) == 0 && s.activeCount.Load() == 0
}

// queueLen is a test hook.
func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
