package weft

import "github.com/zoobzio/capitan"

// Signal constants for weft core events.
// Signals follow the pattern: <component>.<event>.
const (
	// Scheduler signals.
	SignalSchedulerStarted  capitan.Signal = "scheduler.started"
	SignalSchedulerStopped  capitan.Signal = "scheduler.stopped"
	SignalSchedulerRun      capitan.Signal = "scheduler.run"
	SignalSchedulerTickle   capitan.Signal = "scheduler.tickle"
	SignalSchedulerIdleExit capitan.Signal = "scheduler.idle-exit"

	// Fiber signals.
	SignalFiberExcept capitan.Signal = "fiber.except"

	// Timer signals.
	SignalTimerRollover capitan.Signal = "timer.rollover"

	// Reactor signals.
	SignalEpollError capitan.Signal = "iomanager.epoll-error"

	// Hook layer signals.
	SignalHookAddEventFailed    capitan.Signal = "hook.add-event-failed"
	SignalConnectTimeoutChanged capitan.Signal = "hook.connect-timeout-changed"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName  = capitan.NewStringKey("name")  // Component instance name
	FieldError = capitan.NewStringKey("error") // Error message

	// Scheduler fields.
	FieldWorker  = capitan.NewIntKey("worker")  // Worker id
	FieldWorkers = capitan.NewIntKey("workers") // Configured worker count

	// Fiber fields.
	FieldFiberID = capitan.NewIntKey("fiber_id") // Fiber id
	FieldStack   = capitan.NewStringKey("stack") // Captured goroutine stack

	// Timer fields.
	FieldCount = capitan.NewIntKey("count") // Batch size

	// Reactor and hook fields.
	FieldFD           = capitan.NewIntKey("fd")                 // Descriptor value
	FieldEvent        = capitan.NewStringKey("event")           // read/write
	FieldOp           = capitan.NewStringKey("op")              // Hooked operation name
	FieldTimeoutMs    = capitan.NewFloat64Key("timeout_ms")     // Timeout in milliseconds
	FieldOldTimeoutMs = capitan.NewFloat64Key("old_timeout_ms") // Previous timeout in milliseconds
)
