package sched

import (
	"context"
	"testing"
	"time"
)

func startLoop(t *testing.T, clock Clock) *Loop {
	t.Helper()
	l := NewLoop("test", clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t, nil)

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Sync()

	if len(got) != 50 {
		t.Fatalf("expected 50 calls, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected call %d at position %d, got %d", i, i, v)
		}
	}
}

func TestPostFromLoop(t *testing.T) {
	l := startLoop(t, nil)

	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})
	l.Sync()
	l.Sync()

	if len(got) != 2 || got[0] != "outer" || got[1] != "inner" {
		t.Errorf("expected [outer inner], got %v", got)
	}
}

func TestAfterWithFakeClock(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	l := startLoop(t, clock)

	var order []string
	l.After(300*time.Millisecond, func() { order = append(order, "save") })
	l.After(100*time.Millisecond, func() { order = append(order, "open") })
	cancelled := l.After(200*time.Millisecond, func() { order = append(order, "cancelled") })

	if !cancelled.Cancel() {
		t.Error("expected Cancel to report a pending task")
	}

	clock.Advance(250 * time.Millisecond)
	l.Sync()
	if len(order) != 1 || order[0] != "open" {
		t.Fatalf("expected [open] after 250ms, got %v", order)
	}

	clock.Advance(time.Second)
	l.Sync()
	if len(order) != 2 || order[1] != "save" {
		t.Fatalf("expected [open save], got %v", order)
	}
	if cancelled.Fired() {
		t.Error("expected cancelled task never to fire")
	}
}

func TestCancelAfterTimerFiredBeforeRun(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	l := NewLoop("manual", clock)

	ran := false
	task := l.After(time.Millisecond, func() { ran = true })

	// The timer fires and posts, but the loop has not run yet.
	clock.Advance(time.Millisecond)
	task.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	l.Sync()
	cancel()
	<-done

	if ran {
		t.Error("expected task cancelled after firing but before running not to run")
	}
}

func TestNilTaskCancel(t *testing.T) {
	var task *Task
	if task.Cancel() {
		t.Error("expected nil task Cancel to be a no-op")
	}
}

func TestDoHonorsContext(t *testing.T) {
	l := NewLoop("idle", nil) // never run

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Do(ctx, func() {}); err == nil {
		t.Error("expected Do to time out on a loop that is not running")
	}
}
