package eloop

import (
	"context"
	"sync"
)

// Event is a level-triggered signal. It can be set and reset from loop
// callbacks and waited on by a foreign goroutine without holding the
// global lock, so a blocked reader never stalls the loop.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent creates an Event in the reset state.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Signal sets the event. Waiters return until Reset is called.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Reset clears the event.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event is currently signalled.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
