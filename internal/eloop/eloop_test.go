package eloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestCall_RunsInOrder(t *testing.T) {
	l := newTestLoop(t)
	cond := l.NewCond()

	var got []int
	for i := range 5 {
		l.Call(func() {
			got = append(got, i)
			if len(got) == 5 {
				cond.Broadcast()
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l.Lock()
	defer l.Unlock()
	for len(got) < 5 {
		if err := cond.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestCall_PanicDoesNotStopLoop(t *testing.T) {
	l := newTestLoop(t)
	done := make(chan struct{})

	l.Call(func() { panic("boom") })
	l.Call(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after panicking callback")
	}
}

func TestCond_WaitTimeout(t *testing.T) {
	l := newTestLoop(t)
	cond := l.NewCond()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	l.Lock()
	err := cond.Wait(ctx)
	l.Unlock()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestTimer_Fires(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{})

	l.Lock()
	l.NewTimer(5*time.Millisecond, func() { close(fired) })
	l.Unlock()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_CancelPreventsCallback(t *testing.T) {
	l := newTestLoop(t)
	var calls atomic.Int32

	l.Lock()
	tm := l.NewTimer(10*time.Millisecond, func() { calls.Add(1) })
	tm.Cancel()
	if tm.Pending() {
		t.Error("Pending() = true after Cancel")
	}
	l.Unlock()

	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("callback ran %d times after Cancel", n)
	}
}

func TestTimer_CancelNil(t *testing.T) {
	var tm *Timer
	tm.Cancel()
	if tm.Pending() {
		t.Error("nil timer reported pending")
	}
}

func TestEvent_LevelTriggered(t *testing.T) {
	e := NewEvent()
	if e.IsSet() {
		t.Fatal("new event is set")
	}

	e.Signal()
	e.Signal()
	for range 3 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := e.Wait(ctx); err != nil {
			t.Fatalf("Wait() on set event: %v", err)
		}
		cancel()
	}

	e.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() on reset event = %v, want DeadlineExceeded", err)
	}
}

func TestEvent_WakesWaiter(t *testing.T) {
	e := NewEvent()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- e.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	e.Signal()
	if err := <-errc; err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}
