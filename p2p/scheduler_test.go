package p2p

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerReschedulesUsingFnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	done := make(chan struct{})
	scheduler := NewScheduler()
	scheduler.Schedule(ctx, time.Millisecond, func(context.Context) time.Duration {
		n := atomic.AddInt32(&runs, 1)
		if n == 3 {
			close(done)
			return time.Hour
		}
		return time.Millisecond
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected at least 3 scheduled runs, got %d", atomic.LoadInt32(&runs))
	}
}

func TestSchedulerStopPreventsFurtherRuns(t *testing.T) {
	ctx := context.Background()
	var runs int32
	scheduler := NewScheduler()
	scheduler.Schedule(ctx, time.Millisecond, func(context.Context) time.Duration {
		atomic.AddInt32(&runs, 1)
		return time.Millisecond
	})
	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()
	observed := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&runs) > observed+1 {
		t.Fatalf("expected no further runs after Stop, went from %d to %d", observed, atomic.LoadInt32(&runs))
	}
}

func TestSchedulerHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs int32
	scheduler := NewScheduler()
	scheduler.Schedule(ctx, time.Millisecond, func(context.Context) time.Duration {
		atomic.AddInt32(&runs, 1)
		return time.Millisecond
	})
	time.Sleep(10 * time.Millisecond)
	cancel()
	observed := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&runs) > observed+1 {
		t.Fatalf("expected runs to stop after context cancellation")
	}
}
