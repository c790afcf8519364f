package mesh

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFires(t *testing.T) {
	sched := NewScheduler()
	defer sched.CancelAll()

	var fired atomic.Bool
	sched.Schedule("peer-1", 10*time.Millisecond, func() { fired.Store(true) })

	if !sched.Pending("peer-1") {
		t.Error("Expected timer pending before it fires")
	}
	waitFor(t, time.Second, fired.Load)

	waitFor(t, time.Second, func() bool { return !sched.Pending("peer-1") })
}

func TestSchedulerCancel(t *testing.T) {
	sched := NewScheduler()
	defer sched.CancelAll()

	var fired atomic.Bool
	sched.Schedule("peer-1", 20*time.Millisecond, func() { fired.Store(true) })

	if !sched.Cancel("peer-1") {
		t.Error("Expected Cancel to report a pending timer")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("Expected cancelled timer not to fire")
	}
	if sched.Cancel("peer-1") {
		t.Error("Expected second Cancel to report nothing pending")
	}
}

func TestSchedulerReplaces(t *testing.T) {
	sched := NewScheduler()
	defer sched.CancelAll()

	var first, second atomic.Bool
	sched.Schedule("peer-1", 20*time.Millisecond, func() { first.Store(true) })
	sched.Schedule("peer-1", 20*time.Millisecond, func() { second.Store(true) })

	waitFor(t, time.Second, second.Load)
	if first.Load() {
		t.Error("Expected replaced timer not to fire")
	}
}

func TestSchedulerPendingIDs(t *testing.T) {
	sched := NewScheduler()
	defer sched.CancelAll()

	sched.Schedule("peer-1", time.Minute, func() {})
	sched.Schedule("peer-2", time.Minute, func() {})

	ids := sched.PendingIDs()
	if len(ids) != 2 {
		t.Errorf("Expected 2 pending ids, got %v", ids)
	}

	sched.CancelAll()
	if len(sched.PendingIDs()) != 0 {
		t.Error("Expected no pending ids after CancelAll")
	}
}
