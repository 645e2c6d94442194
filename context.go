package weft

import "context"

type ctxKey int

const (
	ctxKeyFiber ctxKey = iota
	ctxKeyScheduler
	ctxKeyIOManager
)

// Current returns the fiber whose entry received ctx, or nil when ctx was
// not handed to a fiber entry. Hooked calls combine it with FromContext to
// decide between parking the caller and verbatim pass-through.
func Current(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKeyFiber).(*Fiber)
	return f
}

// SchedulerFromContext returns the scheduler that owns the calling fiber,
// or nil outside a worker loop.
func SchedulerFromContext(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(ctxKeyScheduler).(*Scheduler)
	return s
}

// FromContext returns the IOManager driving the calling fiber, or nil when
// the fiber belongs to a plain Scheduler or the context is unbound.
func FromContext(ctx context.Context) *IOManager {
	m, _ := ctx.Value(ctxKeyIOManager).(*IOManager)
	return m
}

func withFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, ctxKeyFiber, f)
}

func withScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKeyScheduler, s)
}

func withIOManager(ctx context.Context, m *IOManager) context.Context {
	return context.WithValue(ctx, ctxKeyIOManager, m)
}
