// Package eloop provides the single-threaded event loop that serializes all
// network completions, timers and protocol state changes of the backend.
//
// Every callback scheduled on a Loop runs on the loop goroutine with the
// loop's global mutex held. Foreign goroutines (API callers) take the same
// mutex with Lock/Unlock and park on a Cond or an Event to wait for the
// asynchronous machinery to reach the state they need.
package eloop

import (
	"log/slog"
	"sync"
)

// Loop is a cooperative event loop with one global lock.
type Loop struct {
	mu sync.Mutex // global lock, held while callbacks run

	qmu     sync.Mutex // protects queue only
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New creates a Loop. Call Start to launch the loop goroutine.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine. It is a no-op if the loop is running.
func (l *Loop) Start() {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if l.running {
		return
	}
	l.running = true
	go l.run()
}

// Stop terminates the loop goroutine and waits for it to exit. A stopped
// Loop cannot be restarted.
// Callbacks still queued are dropped. Stop must not be called with the
// global lock held.
func (l *Loop) Stop() {
	l.qmu.Lock()
	if !l.running {
		l.qmu.Unlock()
		return
	}
	l.running = false
	l.queue = nil
	l.qmu.Unlock()

	close(l.stop)
	<-l.done
}

// Lock acquires the global lock.
func (l *Loop) Lock() { l.mu.Lock() }

// Unlock releases the global lock.
func (l *Loop) Unlock() { l.mu.Unlock() }

// Call schedules fn to run on the loop goroutine. It may be called from
// any goroutine, with or without the global lock held.
func (l *Loop) Call(fn func()) {
	l.qmu.Lock()
	l.queue = append(l.queue, fn)
	l.qmu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) pop() func() {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) run() {
	defer close(l.done)
	slog.Debug("event loop started")
	for {
		select {
		case <-l.stop:
			slog.Debug("event loop stopped")
			return
		case <-l.wake:
		}

		for fn := l.pop(); fn != nil; fn = l.pop() {
			l.dispatch(fn)
		}
	}
}

// dispatch runs one callback under the global lock. A panicking callback
// is logged and does not take the loop down.
func (l *Loop) dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop callback panicked", "panic", r)
		}
	}()
	fn()
}
