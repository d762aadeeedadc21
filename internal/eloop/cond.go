package eloop

import "context"

// Cond is a condition variable bound to the loop's global lock. Unlike
// sync.Cond, Wait honours a context deadline.
type Cond struct {
	l  *Loop
	ch chan struct{}
}

// NewCond creates a condition variable bound to l.
func (l *Loop) NewCond() *Cond {
	return &Cond{l: l, ch: make(chan struct{})}
}

// Broadcast wakes all goroutines waiting on c. The global lock must be held.
func (c *Cond) Broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}

// Wait atomically releases the global lock and suspends the caller until
// Broadcast is called or ctx is done. The lock is re-acquired before Wait
// returns. The global lock must be held on entry.
//
// As with sync.Cond, callers re-check their condition in a loop.
func (c *Cond) Wait(ctx context.Context) error {
	ch := c.ch
	c.l.mu.Unlock()
	defer c.l.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
