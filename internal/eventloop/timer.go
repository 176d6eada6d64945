package eventloop

import (
	"time"
)

// Timer is a one-shot or periodic timer whose callback runs on the loop. All
// methods must be called on the loop.
type Timer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	t       *time.Timer
	gen     uint64
	stopped bool
}

// AfterFunc calls fn on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.arm(d)
	return t
}

// Every calls fn on the loop every d until the timer is stopped
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: d}
	t.arm(d)
	return t
}

func (t *Timer) arm(d time.Duration) {
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(func() { t.fire(gen) })
	})
}

func (t *Timer) fire(gen uint64) {
	// A stale fire from before Stop or Reset
	if t.stopped || gen != t.gen {
		return
	}
	if t.period > 0 {
		t.arm(t.period)
	} else {
		t.stopped = true
	}
	t.fn()
}

// Stop cancels the timer. A callback that has not started yet will not run.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.gen++
	t.t.Stop()
}

// Reset restarts the countdown from now, re-arming a stopped timer
func (t *Timer) Reset(d time.Duration) {
	t.t.Stop()
	t.stopped = false
	if t.period > 0 {
		t.period = d
	}
	t.arm(d)
}

// Active reports whether the timer will fire again
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}
