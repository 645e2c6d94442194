package weft

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func runAll(cbs []func(context.Context)) {
	for _, cb := range cbs {
		cb(context.Background())
	}
}

func TestTimerManager_OneShot(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	fired := 0
	tm.AddTimer(100*time.Millisecond, func(context.Context) { fired++ }, false)

	if d := tm.NextTimeout(); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms until deadline, got %v", d)
	}

	if cbs := tm.DrainExpired(); len(cbs) != 0 {
		t.Fatalf("timer fired early: %d callbacks", len(cbs))
	}

	clock.Advance(100 * time.Millisecond)
	cbs := tm.DrainExpired()
	if len(cbs) != 1 {
		t.Fatalf("expected 1 expired callback, got %d", len(cbs))
	}
	runAll(cbs)
	if fired != 1 {
		t.Errorf("callback ran %d times", fired)
	}

	// One-shot: gone after firing.
	if tm.HasTimer() {
		t.Error("one-shot timer still registered after firing")
	}
	if d := tm.NextTimeout(); d != TimeoutForever {
		t.Errorf("expected TimeoutForever on empty set, got %v", d)
	}
}

func TestTimerManager_Recurring(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	fired := 0
	timer := tm.AddTimer(100*time.Millisecond, func(context.Context) { fired++ }, true)

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		runAll(tm.DrainExpired())
	}
	if fired != 5 {
		t.Fatalf("expected 5 fires, got %d", fired)
	}

	if !timer.Cancel() {
		t.Fatal("cancel of live recurring timer failed")
	}
	clock.Advance(time.Second)
	if cbs := tm.DrainExpired(); len(cbs) != 0 {
		t.Errorf("cancelled timer still fired: %d callbacks", len(cbs))
	}
}

func TestTimerManager_Cancel(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	timer := tm.AddTimer(50*time.Millisecond, func(context.Context) {
		t.Error("cancelled callback ran")
	}, false)

	if !timer.Cancel() {
		t.Fatal("first cancel failed")
	}
	if timer.Cancel() {
		t.Error("second cancel succeeded")
	}
	if tm.HasTimer() {
		t.Error("cancelled timer still registered")
	}

	clock.Advance(time.Second)
	runAll(tm.DrainExpired())
}

func TestTimerManager_Refresh(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	timer := tm.AddTimer(100*time.Millisecond, func(context.Context) {}, false)

	clock.Advance(50 * time.Millisecond)
	if !timer.Refresh() {
		t.Fatal("refresh failed")
	}
	if d := tm.NextTimeout(); d != 100*time.Millisecond {
		t.Errorf("expected full interval after refresh, got %v", d)
	}
}

func TestTimerManager_Reset(t *testing.T) {
	t.Run("From Now", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		tm := NewTimerManager().WithClock(clock)

		timer := tm.AddTimer(100*time.Millisecond, func(context.Context) {}, false)
		clock.Advance(50 * time.Millisecond)

		if !timer.Reset(200*time.Millisecond, true) {
			t.Fatal("reset failed")
		}
		if d := tm.NextTimeout(); d != 200*time.Millisecond {
			t.Errorf("expected 200ms from now, got %v", d)
		}
	})

	t.Run("From Original Start", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		tm := NewTimerManager().WithClock(clock)

		timer := tm.AddTimer(100*time.Millisecond, func(context.Context) {}, false)
		clock.Advance(50 * time.Millisecond)

		if !timer.Reset(200*time.Millisecond, false) {
			t.Fatal("reset failed")
		}
		// New deadline counts from the original registration time.
		if d := tm.NextTimeout(); d != 150*time.Millisecond {
			t.Errorf("expected 150ms remaining, got %v", d)
		}
	})

	t.Run("Same Interval Is Noop", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		tm := NewTimerManager().WithClock(clock)

		timer := tm.AddTimer(100*time.Millisecond, func(context.Context) {}, false)
		if !timer.Reset(100*time.Millisecond, false) {
			t.Fatal("noop reset reported failure")
		}
	})
}

func TestTimerManager_ConditionTimer(t *testing.T) {
	t.Run("Alive Witness Fires", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		tm := NewTimerManager().WithClock(clock)

		fired := false
		w := NewWitness()
		tm.AddConditionTimer(10*time.Millisecond, func(context.Context) { fired = true }, w, false)

		clock.Advance(10 * time.Millisecond)
		runAll(tm.DrainExpired())
		if !fired {
			t.Error("callback skipped despite live witness")
		}
	})

	t.Run("Dropped Witness Skips", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		tm := NewTimerManager().WithClock(clock)

		fired := false
		w := NewWitness()
		tm.AddConditionTimer(10*time.Millisecond, func(context.Context) { fired = true }, w, false)

		w.Drop()
		clock.Advance(20 * time.Millisecond)
		runAll(tm.DrainExpired())
		if fired {
			t.Error("callback ran after witness was dropped")
		}
	})
}

func TestTimerManager_DeadlineOrder(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	var order []int
	tm.AddTimer(200*time.Millisecond, func(context.Context) { order = append(order, 2) }, false)
	tm.AddTimer(100*time.Millisecond, func(context.Context) { order = append(order, 1) }, false)
	// Identical deadlines fall back to registration order.
	tm.AddTimer(200*time.Millisecond, func(context.Context) { order = append(order, 3) }, false)

	clock.Advance(200 * time.Millisecond)
	runAll(tm.DrainExpired())

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callbacks out of order: %v", order)
	}
}

func TestTimerManager_ZeroInterval(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	tm.AddTimer(0, func(context.Context) {}, false)

	if d := tm.NextTimeout(); d != 0 {
		t.Errorf("expected zero timeout for due timer, got %v", d)
	}
	if cbs := tm.DrainExpired(); len(cbs) != 1 {
		t.Errorf("zero-interval timer did not fire at next drain: %d callbacks", len(cbs))
	}
}

func TestTimerManager_ClockRollover(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	fired := 0
	tm.AddTimer(time.Hour, func(context.Context) { fired++ }, false)
	tm.AddTimer(24*time.Hour, func(context.Context) { fired++ }, true)

	// Simulate the clock having jumped backwards by two hours: the last
	// observed time sits far ahead of now.
	tm.mu.Lock()
	tm.previous = clock.Now().Add(2 * time.Hour)
	tm.mu.Unlock()

	cbs := tm.DrainExpired()
	if len(cbs) != 2 {
		t.Fatalf("rollover guard expired %d of 2 timers", len(cbs))
	}
	runAll(cbs)
	if fired != 2 {
		t.Errorf("expected both callbacks, got %d", fired)
	}

	// The recurring timer re-registers relative to the new now.
	if !tm.HasTimer() {
		t.Error("recurring timer not re-registered after rollover")
	}
}

func TestTimerManager_FrontInsertNotification(t *testing.T) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	notified := 0
	tm.onFront = func() { notified++ }

	tm.AddTimer(100*time.Millisecond, func(context.Context) {}, false)
	if notified != 1 {
		t.Fatalf("expected notification for first insert, got %d", notified)
	}

	// Not a new head: no notification.
	tm.AddTimer(200*time.Millisecond, func(context.Context) {}, false)
	if notified != 1 {
		t.Fatalf("notified for a non-front insert: %d", notified)
	}

	// New head, but the latch from the first insert is still set.
	tm.AddTimer(50*time.Millisecond, func(context.Context) {}, false)
	if notified != 1 {
		t.Fatalf("latch did not suppress repeat notification: %d", notified)
	}

	// NextTimeout re-arms the latch.
	tm.NextTimeout()
	tm.AddTimer(10*time.Millisecond, func(context.Context) {}, false)
	if notified != 2 {
		t.Errorf("expected notification after latch reset, got %d", notified)
	}
}

func TestTimerManager_StressOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	const n = 1 << 14
	var last time.Duration
	inOrder := true
	for i := 0; i < n; i++ {
		d := time.Duration(i%977) * time.Millisecond
		tm.AddTimer(d, func(context.Context) {
			if d < last {
				inOrder = false
			}
			last = d
		}, false)
	}

	clock.Advance(time.Second)
	cbs := tm.DrainExpired()
	total := len(cbs)
	if total != n {
		t.Errorf("expected %d fires, got %d", n, total)
	}
	runAll(cbs)
	if !inOrder {
		t.Error("drained callbacks out of deadline order")
	}
	if tm.HasTimer() {
		t.Error("timers left behind after full drain")
	}
}
