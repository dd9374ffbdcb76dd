package turn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresAfterWindow(t *testing.T) {
	tm := New()
	fired := make(chan struct{})

	tm.Arm(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire within deadline")
	}
	if tm.Armed() {
		t.Fatal("Armed() = true after firing, want false")
	}
}

func TestTimerRearmRestartsCountdown(t *testing.T) {
	tm := New()
	var fires atomic.Int32
	done := make(chan struct{})

	tm.Arm(50*time.Millisecond, func() { fires.Add(1) })
	// Re-arm before the first countdown elapses. Only the second callback
	// may run.
	time.Sleep(10 * time.Millisecond)
	tm.Arm(50*time.Millisecond, func() {
		fires.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-armed timer did not fire")
	}
	// Give a cancelled first callback time to run if the guard is broken.
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Fatalf("fire count = %d, want 1", got)
	}
}

func TestTimerDisarmPreventsFire(t *testing.T) {
	tm := New()
	var fires atomic.Int32

	tm.Arm(20*time.Millisecond, func() { fires.Add(1) })
	tm.Disarm()

	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Fatalf("fire count = %d, want 0 after Disarm", got)
	}
	if tm.Armed() {
		t.Fatal("Armed() = true after Disarm, want false")
	}
}

func TestTimerDisarmIdleIsNoop(t *testing.T) {
	tm := New()
	tm.Disarm()
	tm.Disarm()
	if tm.Armed() {
		t.Fatal("Armed() = true on idle timer, want false")
	}
}

func TestTimerArmAfterDisarm(t *testing.T) {
	tm := New()
	fired := make(chan struct{})

	tm.Arm(10*time.Millisecond, func() { t.Error("cancelled callback ran") })
	tm.Disarm()
	tm.Arm(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after re-arm")
	}
}
