// Package supervisor launches and supervises one proxied client process:
// spawn, open detection, save and stop through signals, exit reporting.
//
// A Supervisor lives on a sched.Loop. Every method must be called from that
// loop, and every callback it emits runs there.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/proxyconfig"
	"github.com/drewfead/raysession/internal/sched"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/window"
)

var (
	// ErrNotLaunchable is returned by Start for configs that cannot run.
	ErrNotLaunchable = errors.New("proxy config not launchable")
	// ErrBusy is returned by Start while a process is starting or alive.
	ErrBusy = errors.New("process already running")
)

// State of the supervised process.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a supervisor notification.
type EventKind int

const (
	Started EventKind = iota
	OpenReply
	SaveReply
	ExitedEvent
	LaunchFailed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case OpenReply:
		return "open_reply"
	case SaveReply:
		return "save_reply"
	case ExitedEvent:
		return "exited"
	case LaunchFailed:
		return "launch_failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted to the owner of a Supervisor.
type Event struct {
	Kind     EventKind
	PID      int
	ExitCode int
	Early    bool // exited before the grace period with no stop requested
	Window   bool // OpenReply after a detected window
	Err      error
}

// Options are the supervisor timings.
type Options struct {
	Grace        time.Duration
	OpenDelay    time.Duration
	SaveDebounce time.Duration
	Window       window.Options
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		Grace:        2500 * time.Millisecond,
		OpenDelay:    500 * time.Millisecond,
		SaveDebounce: 300 * time.Millisecond,
		Window:       window.DefaultOptions(),
	}
}

// Supervisor owns at most one live process at a time.
type Supervisor struct {
	id   string
	loop *sched.Loop
	opts Options
	emit func(Event)

	state     State
	cfg       *proxyconfig.Config
	proc      *os.Process
	pid       int
	startedAt time.Time
	gen       int
	reaped    *atomic.Bool // set by the wait goroutine as soon as Wait returns

	graceTask     *sched.Task
	openTask      *sched.Task
	graceElapsed  bool
	stopRequested bool
	pending       []func()

	detector *window.Detector
}

// New creates an idle supervisor. emit receives every Event on the loop.
func New(id string, loop *sched.Loop, inspector window.ProcessTreeInspector, opts Options, emit func(Event)) *Supervisor {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Supervisor{
		id:       id,
		loop:     loop,
		opts:     opts,
		emit:     emit,
		detector: window.NewDetector(loop, inspector, opts.Window),
	}
}

// Options returns the timings in use.
func (s *Supervisor) Options() Options {
	return s.opts
}

// SetOptions replaces the timings. They apply from the next Start; a run in
// progress keeps the timers it already armed.
func (s *Supervisor) SetOptions(opts Options) {
	s.opts = opts
	s.detector.SetOptions(opts.Window)
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.state
}

// PID returns the pid of the live process, or 0.
func (s *Supervisor) PID() int {
	return s.pid
}

// StartedAt returns when the current process was spawned.
func (s *Supervisor) StartedAt() time.Time {
	return s.startedAt
}

// Alive reports whether a spawned process has not yet been reaped.
func (s *Supervisor) Alive() bool {
	return s.state == Running || s.state == Stopping
}

// Start launches cfg's executable. The spawn itself happens off the loop and
// its outcome arrives as Started or LaunchFailed.
func (s *Supervisor) Start(cfg *proxyconfig.Config, env Env) error {
	if cfg == nil || !cfg.Launchable {
		if cfg != nil && cfg.Problem != nil {
			return fmt.Errorf("%w: %v", ErrNotLaunchable, cfg.Problem)
		}
		return ErrNotLaunchable
	}
	if s.state == Starting || s.Alive() {
		return ErrBusy
	}

	childEnv := BuildEnv(os.Environ(), env, cfg.ConfigFile)
	args, err := BuildArgs(cfg.Arguments, childEnv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotLaunchable, err)
	}

	s.gen++
	gen := s.gen
	s.cfg = cfg
	s.state = Starting
	s.graceElapsed = false
	s.stopRequested = false
	s.pending = nil
	reaped := new(atomic.Bool)
	s.reaped = reaped

	cmd := exec.Command(cfg.Executable, args...)
	cmd.Env = childEnv
	cmd.Dir = env.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logging.Info("launching client", "client_id", s.id, "executable", cfg.Executable, "args", args)

	go func() {
		if err := cmd.Start(); err != nil {
			s.loop.Post(func() { s.onLaunchFailed(gen, err) })
			return
		}
		proc := cmd.Process
		s.loop.Post(func() { s.onStarted(gen, proc) })

		_ = cmd.Wait()
		reaped.Store(true)
		code := exitCode(cmd.ProcessState)
		s.loop.Post(func() { s.onExit(gen, code) })
	}()
	return nil
}

// Save signals the process to save. None means the configured save signal.
// SaveReply is always emitted after the debounce, even when no signal could
// be sent.
func (s *Supervisor) Save(sig signals.Signal) {
	if s.state == Starting {
		s.pending = append(s.pending, func() { s.Save(sig) })
		return
	}
	if sig == signals.None && s.cfg != nil {
		sig = s.cfg.SaveSignal
	}
	if sig != signals.None && s.Alive() {
		s.signal(sig)
	}
	s.loop.After(s.opts.SaveDebounce, func() {
		s.emit(Event{Kind: SaveReply, PID: s.pid})
	})
}

// Stop signals the process to quit. Stopping with None does nothing.
func (s *Supervisor) Stop(sig signals.Signal) {
	if sig == signals.None {
		return
	}
	if s.state == Starting {
		s.pending = append(s.pending, func() { s.Stop(sig) })
		return
	}
	if !s.Alive() {
		return
	}
	s.stopRequested = true
	s.state = Stopping
	s.cancelOpen()
	s.signal(sig)
}

// Kill sends SIGKILL to the process group. It reports whether a live
// process was found. A process already reaped by Wait but whose exit has
// not reached the loop yet counts as gone, so its pid is never signalled.
func (s *Supervisor) Kill() bool {
	if !s.liveProcess() {
		return false
	}
	s.stopRequested = true
	s.state = Stopping
	s.cancelOpen()
	logging.Warn("killing client", "client_id", s.id, "pid", s.pid)
	if err := unix.Kill(-s.pid, unix.SIGKILL); err != nil {
		if err := s.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logging.Error("kill failed", "client_id", s.id, "pid", s.pid, "error", err)
			return false
		}
	}
	return true
}

// liveProcess confirms the child has not been reaped. os.Process.Signal is
// pidfd-backed and fails once Wait has returned.
func (s *Supervisor) liveProcess() bool {
	if !s.Alive() || s.pid <= 0 || s.proc == nil {
		return false
	}
	if s.reaped != nil && s.reaped.Load() {
		return false
	}
	return s.proc.Signal(syscall.Signal(0)) == nil
}

func (s *Supervisor) signal(sig signals.Signal) {
	osSig, ok := sig.OS()
	if !ok || s.proc == nil {
		return
	}
	err := s.proc.Signal(osSig)
	switch {
	case err == nil:
		logging.Debug("signalled client", "client_id", s.id, "pid", s.pid, "signal", sig.String())
	case errors.Is(err, os.ErrProcessDone):
	default:
		logging.Warn("signal failed", "client_id", s.id, "pid", s.pid, "signal", sig.String(), "error", err)
	}
}

func (s *Supervisor) onStarted(gen int, proc *os.Process) {
	if gen != s.gen {
		return
	}
	s.proc = proc
	s.pid = proc.Pid
	s.startedAt = s.loop.Clock().Now()
	s.state = Running

	s.graceTask = s.loop.After(s.opts.Grace, func() { s.graceElapsed = true })
	s.openTask = s.loop.After(s.opts.OpenDelay, s.onOpenTimer)

	logging.Info("client started", "client_id", s.id, "pid", s.pid)
	s.emit(Event{Kind: Started, PID: s.pid})
	s.replay()
}

func (s *Supervisor) onLaunchFailed(gen int, err error) {
	if gen != s.gen {
		return
	}
	s.state = Exited
	s.proc = nil
	s.pid = 0
	logging.Warn("client launch failed", "client_id", s.id, "error", err)
	s.emit(Event{Kind: LaunchFailed, Err: err})
	s.replay()
}

func (s *Supervisor) onOpenTimer() {
	s.openTask = nil
	if s.state != Running {
		return
	}
	if s.cfg != nil && s.cfg.WaitWindow {
		pid := s.pid
		s.detector.Start(pid, func(r window.Result) {
			s.emit(Event{Kind: OpenReply, PID: pid, Window: r == window.Found})
		})
		return
	}
	s.emit(Event{Kind: OpenReply, PID: s.pid})
}

func (s *Supervisor) onExit(gen int, code int) {
	if gen != s.gen {
		return
	}
	early := !s.graceElapsed && !s.stopRequested
	pid := s.pid

	s.graceTask.Cancel()
	s.graceTask = nil
	s.cancelOpen()
	s.state = Exited
	s.proc = nil
	s.pid = 0

	logging.Info("client exited", "client_id", s.id, "pid", pid, "exit_code", code, "early", early)
	s.emit(Event{Kind: ExitedEvent, PID: pid, ExitCode: code, Early: early})
}

func (s *Supervisor) cancelOpen() {
	s.openTask.Cancel()
	s.openTask = nil
	s.detector.Cancel()
}

func (s *Supervisor) replay() {
	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
