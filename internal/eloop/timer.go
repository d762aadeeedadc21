package eloop

import "time"

// Timer is a one-shot timer whose callback runs on the loop goroutine.
type Timer struct {
	t         *time.Timer
	cancelled bool
	fired     bool
}

// NewTimer schedules fn to run on the loop after d. The global lock must
// be held, so that Cancel can be ordered against the callback.
func (l *Loop) NewTimer(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Call(func() {
			if tm.cancelled {
				return
			}
			tm.fired = true
			fn()
		})
	})
	return tm
}

// Cancel stops the timer. Once Cancel returns, the callback is guaranteed
// not to run. The global lock must be held. Cancelling a fired or nil
// timer is a no-op.
func (tm *Timer) Cancel() {
	if tm == nil || tm.fired {
		return
	}
	tm.cancelled = true
	tm.t.Stop()
}

// Pending reports whether the timer has neither fired nor been cancelled.
func (tm *Timer) Pending() bool {
	return tm != nil && !tm.fired && !tm.cancelled
}
