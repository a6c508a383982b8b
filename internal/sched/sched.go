// Package sched provides the single-threaded event loop that daemons and
// supervisors run on, and cancellable deferred tasks scheduled onto it.
//
// All state owned by a loop is touched only from functions running on that
// loop. Timers never run user code directly: when a timer fires it posts its
// callback to the loop, and the cancellation token is checked there, so a
// task cancelled from the loop never runs afterwards.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drewfead/raysession/internal/logging"
)

// Loop runs posted functions one at a time, in posting order.
type Loop struct {
	name  string
	clock Clock

	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	stopped bool
}

// NewLoop creates a loop. A nil clock means wall-clock time.
func NewLoop(name string, clock Clock) *Loop {
	if clock == nil {
		clock = RealClock()
	}
	return &Loop{
		name:   name,
		clock:  clock,
		notify: make(chan struct{}, 1),
	}
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.notify:
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", l.name)
		}
	}()
	fn()
}

// Post queues fn to run on the loop. It is safe to call from any goroutine,
// including from functions already running on the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until everything posted before the call has run.
func (l *Loop) Sync() {
	_ = l.Do(context.Background(), func() {})
}

// After schedules fn to run on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled.Load() {
				return
			}
			t.fired.Store(true)
			fn()
		})
	})
	return t
}

// Task is a deferred function scheduled with Loop.After.
type Task struct {
	timer     Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

// Cancel prevents the task from running if it has not run yet. It reports
// whether the task was still pending. Cancelling a nil task is a no-op.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if t.fired.Load() {
		return false
	}
	wasPending := !t.cancelled.Swap(true)
	t.timer.Stop()
	return wasPending
}

// Fired reports whether the task has run.
func (t *Task) Fired() bool {
	return t != nil && t.fired.Load()
}
