// Package turn implements the restartable silence countdown that decides
// when a spoken answer is considered complete.
//
// The timer is armed when speech activity is observed and re-armed on every
// subsequent update. If the configured window elapses with no re-arm, the
// callback fires exactly once. Disarming or re-arming invalidates any
// countdown already in flight, including one whose callback is about to run.
package turn

import (
	"sync"
	"time"
)

// Timer is a restartable single-shot countdown. The zero value is not
// usable; construct with New. All methods are safe for concurrent use.
type Timer struct {
	mu      sync.Mutex
	gen     uint64
	pending *time.Timer
}

// New returns a disarmed Timer.
func New() *Timer {
	return &Timer{}
}

// Arm starts (or restarts) the countdown. If a countdown is already
// pending it is cancelled and replaced; its callback will not run. When d
// elapses without another Arm or Disarm call, fn is invoked once on a
// background goroutine.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.invalidateLocked()
	gen := t.gen

	t.pending = time.AfterFunc(d, func() {
		t.mu.Lock()
		live := t.gen == gen
		if live {
			t.pending = nil
		}
		t.mu.Unlock()

		// A Disarm or re-Arm between the timer firing and this check wins.
		if live {
			fn()
		}
	})
}

// Disarm cancels any pending countdown. A callback that has not started
// running yet is guaranteed not to run. Disarming an idle timer is a no-op.
func (t *Timer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalidateLocked()
}

// Armed reports whether a countdown is currently pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Timer) invalidateLocked() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
