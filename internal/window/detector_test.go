package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/raysession/internal/sched"
)

type fakeInspector struct {
	mu      sync.Mutex
	windows []int
	parents map[int]int
	err     error
	calls   int
}

func (f *fakeInspector) WindowPIDs(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]int(nil), f.windows...), nil
}

func (f *fakeInspector) ParentPID(ctx context.Context, pid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.parents[pid]; ok {
		return p, nil
	}
	return 1, nil
}

func (f *fakeInspector) setWindows(pids ...int) {
	f.mu.Lock()
	f.windows = pids
	f.mu.Unlock()
}

type harness struct {
	loop    *sched.Loop
	clock   *sched.FakeClock
	det     *Detector
	mu      sync.Mutex
	results []Result
}

func setupTestDetector(t *testing.T, insp ProcessTreeInspector) *harness {
	t.Helper()
	clock := sched.NewFakeClock(time.Unix(0, 0))
	loop := sched.NewLoop("test", clock)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{loop: loop, clock: clock, det: NewDetector(loop, insp, DefaultOptions())}
	return h
}

func (h *harness) start(t *testing.T, pid int) {
	t.Helper()
	err := h.loop.Do(context.Background(), func() {
		h.det.Start(pid, func(r Result) {
			h.mu.Lock()
			h.results = append(h.results, r)
			h.mu.Unlock()
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

// step advances the clock and waits for any poll it started to report back.
func (h *harness) step(d time.Duration) {
	h.clock.Advance(d)
	h.loop.Sync()
	h.det.polls.Wait()
	h.loop.Sync()
}

func (h *harness) got() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Result(nil), h.results...)
}

func TestDetectorExhaustsAfterMaxAttempts(t *testing.T) {
	insp := &fakeInspector{windows: []int{50, 60}}
	h := setupTestDetector(t, insp)
	h.start(t, 1000)

	for i := 0; i < 599; i++ {
		h.step(50 * time.Millisecond)
	}
	if len(h.got()) != 0 {
		t.Fatalf("expected no result before attempt 600, got %v", h.got())
	}

	h.step(50 * time.Millisecond)
	if got := h.got(); len(got) != 1 || got[0] != Ended {
		t.Fatalf("expected one Ended result, got %v", got)
	}

	for i := 0; i < 20; i++ {
		h.step(50 * time.Millisecond)
	}
	if len(h.got()) != 1 {
		t.Errorf("expected exactly one callback, got %d", len(h.got()))
	}
	insp.mu.Lock()
	defer insp.mu.Unlock()
	if insp.calls != 600 {
		t.Errorf("expected 600 polls, got %d", insp.calls)
	}
}

func TestDetectorFindsDescendantWindow(t *testing.T) {
	insp := &fakeInspector{
		windows: []int{900},
		parents: map[int]int{1202: 1101, 1101: 1000},
	}
	h := setupTestDetector(t, insp)
	h.start(t, 1000)

	h.step(50 * time.Millisecond)
	h.step(50 * time.Millisecond)
	insp.setWindows(900, 1202)
	h.step(50 * time.Millisecond)

	if len(h.got()) != 0 {
		t.Fatal("expected settle delay before Found")
	}
	h.step(200 * time.Millisecond)

	if got := h.got(); len(got) != 1 || got[0] != Found {
		t.Fatalf("expected one Found result, got %v", got)
	}
	if h.det.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", h.det.Attempts())
	}
}

func TestDetectorIgnoresUnrelatedWindows(t *testing.T) {
	insp := &fakeInspector{
		windows: []int{2000},
		parents: map[int]int{2000: 500},
	}
	h := setupTestDetector(t, insp)
	h.loop.Do(context.Background(), func() {
		h.det.opts.MaxAttempts = 5
	})
	h.start(t, 1000)

	for i := 0; i < 5; i++ {
		h.step(50 * time.Millisecond)
	}
	if got := h.got(); len(got) != 1 || got[0] != Ended {
		t.Fatalf("expected Ended, got %v", got)
	}
}

func TestDetectorEndsOnFailure(t *testing.T) {
	tests := []struct {
		name string
		insp *fakeInspector
	}{
		{"ToolError", &fakeInspector{err: errors.New("wmctrl: not found")}},
		{"EmptyList", &fakeInspector{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTestDetector(t, tt.insp)
			h.start(t, 1000)
			h.step(50 * time.Millisecond)

			if got := h.got(); len(got) != 1 || got[0] != Ended {
				t.Fatalf("expected Ended after first poll, got %v", got)
			}
		})
	}
}

func TestDetectorCancelSuppressesCallback(t *testing.T) {
	insp := &fakeInspector{windows: []int{1000}}
	h := setupTestDetector(t, insp)
	h.start(t, 1000)

	h.step(50 * time.Millisecond)
	h.loop.Do(context.Background(), h.det.Cancel)
	h.step(time.Second)

	if len(h.got()) != 0 {
		t.Errorf("expected no callback after cancel, got %v", h.got())
	}
}

func TestParseWmctrl(t *testing.T) {
	out := []byte("0x01e00003  0 4242   studio Carla - session\n0x02200007 -1 51 studio panel\n\n")
	pids, err := ParseWmctrl(out)
	if err != nil {
		t.Fatalf("ParseWmctrl failed: %v", err)
	}
	if len(pids) != 2 || pids[0] != 4242 || pids[1] != 51 {
		t.Errorf("expected [4242 51], got %v", pids)
	}

	if _, err := ParseWmctrl([]byte("0x01 0 notapid host t\n")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if _, err := ParseWmctrl([]byte("0x01 0\n")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for short line, got %v", err)
	}
}

func TestParseProcStat(t *testing.T) {
	ppid, err := ParseProcStat([]byte("4242 (my (odd) app) S 4100 4242 4242 0 -1"))
	if err != nil {
		t.Fatalf("ParseProcStat failed: %v", err)
	}
	if ppid != 4100 {
		t.Errorf("expected ppid 4100, got %d", ppid)
	}
	if _, err := ParseProcStat([]byte("garbage")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

type blockingInspector struct {
	fakeInspector
	release chan struct{}
	entered chan struct{}
}

func (b *blockingInspector) WindowPIDs(ctx context.Context) ([]int, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeInspector.WindowPIDs(ctx)
}

func TestDetectorPollDoesNotBlockLoop(t *testing.T) {
	insp := &blockingInspector{
		fakeInspector: fakeInspector{windows: []int{1000}},
		release:       make(chan struct{}),
		entered:       make(chan struct{}, 1),
	}
	h := setupTestDetector(t, insp)
	h.start(t, 1000)

	h.clock.Advance(50 * time.Millisecond)
	select {
	case <-insp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.loop.Do(ctx, func() {}); err != nil {
		t.Fatalf("loop blocked while a poll was running: %v", err)
	}

	h.loop.Do(context.Background(), h.det.Cancel)
	close(insp.release)
	h.det.polls.Wait()
	h.step(time.Second)

	if len(h.got()) != 0 {
		t.Errorf("expected cancelled poll to report nothing, got %v", h.got())
	}
}
