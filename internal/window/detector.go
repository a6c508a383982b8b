// Package window detects when a supervised process, or one of its
// descendants, has mapped a top-level window.
package window

import (
	"context"
	"sync"
	"time"

	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/sched"
)

// Result is the outcome of one detection run.
type Result int

const (
	// Found means a window owned by the process tree appeared.
	Found Result = iota
	// Ended means detection gave up: no window, a tool failure, or exhaustion.
	Ended
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}
	return "ended"
}

// Options bound a detection run.
type Options struct {
	PollInterval   time.Duration
	MaxAttempts    int
	Settle         time.Duration
	InspectTimeout time.Duration
}

// DefaultOptions polls every 50ms for up to 30s.
func DefaultOptions() Options {
	return Options{
		PollInterval:   50 * time.Millisecond,
		MaxAttempts:    600,
		Settle:         200 * time.Millisecond,
		InspectTimeout: time.Second,
	}
}

const maxAncestry = 64

// Detector polls the window list on a loop until a window owned by the
// watched process tree shows up. A Detector belongs to one loop and all of
// its methods must be called from that loop. Polls run the inspector on
// their own goroutine and post the outcome back.
type Detector struct {
	loop      *sched.Loop
	inspector ProcessTreeInspector
	opts      Options

	pid      int
	gen      int
	attempts int
	task     *sched.Task
	done     func(Result)
	active   bool

	polls sync.WaitGroup
}

type pollResult struct {
	owner int
	found bool
	err   error
	empty bool
}

// NewDetector creates an idle detector.
func NewDetector(loop *sched.Loop, inspector ProcessTreeInspector, opts Options) *Detector {
	return &Detector{loop: loop, inspector: inspector, opts: withDefaults(opts)}
}

// SetOptions replaces the bounds used by the next Start.
func (d *Detector) SetOptions(opts Options) {
	d.opts = withDefaults(opts)
}

func withDefaults(opts Options) Options {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.InspectTimeout <= 0 {
		opts.InspectTimeout = DefaultOptions().InspectTimeout
	}
	return opts
}

// Start begins watching pid. done is called exactly once, unless the run is
// cancelled first. Starting an active detector cancels the previous run.
func (d *Detector) Start(pid int, done func(Result)) {
	d.Cancel()
	d.gen++
	d.pid = pid
	d.attempts = 0
	d.done = done
	d.active = true
	d.task = d.loop.After(d.opts.PollInterval, d.poll)
}

// Active reports whether a run is in progress.
func (d *Detector) Active() bool {
	return d.active
}

// Attempts returns the number of polls made in the current or last run.
func (d *Detector) Attempts() int {
	return d.attempts
}

// Cancel stops the current run without calling its completion.
func (d *Detector) Cancel() {
	d.task.Cancel()
	d.task = nil
	d.active = false
	d.done = nil
	d.gen++
}

func (d *Detector) poll() {
	d.task = nil
	if !d.active {
		return
	}
	d.attempts++

	gen, pid, timeout := d.gen, d.pid, d.opts.InspectTimeout
	d.polls.Add(1)
	go func() {
		defer d.polls.Done()
		r := d.inspect(pid, timeout)
		d.loop.Post(func() { d.onPoll(gen, r) })
	}()
}

// inspect runs off the loop and touches no detector state but the inspector.
func (d *Detector) inspect(pid int, timeout time.Duration) pollResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pids, err := d.inspector.WindowPIDs(ctx)
	if err != nil {
		return pollResult{err: err}
	}
	if len(pids) == 0 {
		return pollResult{empty: true}
	}
	for _, wpid := range pids {
		if wpid < pid {
			continue
		}
		if d.descends(ctx, pid, wpid) {
			return pollResult{owner: wpid, found: true}
		}
	}
	return pollResult{}
}

func (d *Detector) onPoll(gen int, r pollResult) {
	if gen != d.gen || !d.active {
		return
	}
	switch {
	case r.err != nil:
		logging.Debug("window list unavailable", "pid", d.pid, "error", r.err)
		d.finish(Ended)
	case r.empty:
		d.finish(Ended)
	case r.found:
		logging.Debug("window detected", "pid", d.pid, "owner", r.owner, "attempts", d.attempts)
		if d.opts.Settle > 0 {
			d.task = d.loop.After(d.opts.Settle, func() { d.finish(Found) })
		} else {
			d.finish(Found)
		}
	case d.attempts >= d.opts.MaxAttempts:
		d.finish(Ended)
	default:
		d.task = d.loop.After(d.opts.PollInterval, d.poll)
	}
}

func (d *Detector) descends(ctx context.Context, root, pid int) bool {
	cur := pid
	for i := 0; i < maxAncestry; i++ {
		if cur == root {
			return true
		}
		if cur <= 1 {
			return false
		}
		parent, err := d.inspector.ParentPID(ctx, cur)
		if err != nil || parent == cur {
			return false
		}
		cur = parent
	}
	return false
}

func (d *Detector) finish(r Result) {
	if !d.active {
		return
	}
	done := d.done
	d.active = false
	d.done = nil
	d.task = nil
	if done != nil {
		done(r)
	}
}
