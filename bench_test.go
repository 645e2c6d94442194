package weft

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func BenchmarkFiberResumeYield(b *testing.B) {
	f := NewFiber(func(ctx context.Context) {
		for {
			YieldHold(ctx)
		}
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Resume()
	}
}

func BenchmarkSchedulerThroughput(b *testing.B) {
	s := NewScheduler(2, false, "bench")
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Schedule(FuncTask(func(context.Context) {
			done <- struct{}{}
		}))
		<-done
	}
}

func BenchmarkTimerAddCancel(b *testing.B) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t := tm.AddTimer(time.Hour, func(context.Context) {}, false)
		t.Cancel()
	}
}

func BenchmarkTimerDrain(b *testing.B) {
	clock := clockz.NewFakeClock()
	tm := NewTimerManager().WithClock(clock)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tm.AddTimer(0, func(context.Context) {}, false)
		tm.DrainExpired()
	}
}
