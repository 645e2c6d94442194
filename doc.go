// Package weft provides a cooperative fiber scheduler with an epoll-backed
// I/O reactor and a deadline-ordered timer set for building C10K-class
// network services in Go.
//
// # Overview
//
// weft multiplexes many lightweight execution contexts ("fibers") over a
// small pool of workers. Fibers suspend only at explicit yield points:
// hooked blocking calls, sleeps, and the yield helpers. A fiber that would
// block on a descriptor is parked on the reactor instead, its worker moves
// on to other work, and descriptor readiness or a timeout wakes it back up.
//
// # Core Concepts
//
// The library is built from five cooperating pieces:
//
//   - Fiber: a resumable execution context with an explicit state machine
//     (init, ready, exec, hold, term, except) and a resume/yield handshake
//   - Scheduler: a worker pool draining a shared queue of fibers and
//     callbacks, with optional per-worker pinning
//   - TimerManager: a deadline-ordered set of one-shot, recurring, and
//     condition timers with a clock-rollover guard
//   - IOManager: a Scheduler whose idle fibers block in epoll_wait, racing
//     descriptor readiness against the next timer deadline
//   - Hooked calls: Read, Write, Accept, Connect, Sleep and friends, which
//     transparently park the calling fiber instead of blocking the worker
//
// # Usage Example
//
// An echo server accepting and serving each connection in its own fiber:
//
//	iom, err := weft.NewIOManager(4, false, "echo")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer iom.Stop()
//
//	iom.Schedule(weft.FuncTask(func(ctx context.Context) {
//	    for {
//	        conn, _, err := weft.Accept(ctx, listenFD)
//	        if err != nil {
//	            return
//	        }
//	        iom.Schedule(weft.FuncTask(func(ctx context.Context) {
//	            defer weft.Close(ctx, conn)
//	            buf := make([]byte, 1024)
//	            n, err := weft.Read(ctx, conn, buf)
//	            if err != nil || n <= 0 {
//	                return
//	            }
//	            weft.Write(ctx, conn, buf[:n])
//	        }))
//	    }
//	}))
//
// The hooked calls decide behavior from the context: inside a worker-run
// fiber they park on the reactor; anywhere else they forward verbatim to
// the raw syscall, so library code works unchanged in both worlds.
//
// # Timeouts and Cancellation
//
// Hooked operations honor per-descriptor send/recv timeouts recorded with
// SetsockoptTimeval and the tcp.connect.timeout config var; expiry
// surfaces as unix.ETIMEDOUT. CancelEvent and CancelAll wake parked
// fibers explicitly. A parked fiber is never woken spuriously: its event
// fired, its timeout expired, or it was cancelled.
//
// # Observability
//
// Components emit structured events via capitan, keep metricz registries
// (task, timer, and event counters plus a pending-events gauge), trace
// hooked operations with tracez spans, and expose hookz lifecycle and
// config-change events. Clocks are injectable via clockz for deterministic
// timer tests.
//
// # Concurrency Model
//
// Workers run in parallel; within a worker exactly one fiber executes at a
// time and context switches happen only at yields. There is no preemption
// and no work stealing. Tasks become visible to workers in FIFO order,
// timer callbacks dispatch in deadline order with a stable tie-break, and
// event wake-ups follow epoll's reporting order.
package weft
