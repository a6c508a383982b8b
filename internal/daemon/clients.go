package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/proxyconfig"
	"github.com/drewfead/raysession/internal/sched"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/store"
	"github.com/drewfead/raysession/internal/supervisor"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrBadSignal is returned for a signal override outside the verb's domain.
var ErrBadSignal = errors.New("signal not allowed")

// proxyClient is one proxied client of the open session. Loop-owned.
type proxyClient struct {
	id       string
	dir      string
	conf     *proxyconfig.Store
	cfg      *proxyconfig.Config
	machine  *client.Machine
	sup      *supervisor.Supervisor
	template string
	killTask *sched.Task

	// save debounces still owed a reply; an exit does not cancel them
	pendingSaves int

	// controllers waiting for the open and save replies
	starter control.Address
	saver   control.Address

	exitCode *int
	early    bool
}

func (pc *proxyClient) env(sessionName string) supervisor.Env {
	return supervisor.Env{ClientID: pc.id, SessionName: sessionName, Dir: pc.dir}
}

// active reports whether the client has a process or a launch in flight.
func (pc *proxyClient) active() bool {
	return pc.machine.Status() != client.Stopped || pc.sup.Alive() || pc.sup.State() == supervisor.Starting
}

func (pc *proxyClient) info() control.ClientInfo {
	info := control.ClientInfo{
		ID:         pc.id,
		Executable: pc.cfg.Executable,
		ConfigFile: pc.cfg.ConfigFile,
		Arguments:  pc.cfg.Arguments,
		SaveSignal: pc.cfg.SaveSignal,
		StopSignal: pc.cfg.StopSignal,
		WaitWindow: pc.cfg.WaitWindow,
		Launchable: pc.cfg.Launchable,
		Status:     pc.machine.Status(),
		Saving:     pc.machine.Saving(),
		Actions:    pc.machine.Actions(),
		ExitCode:   pc.exitCode,
		EarlyExit:  pc.early,
	}
	if pc.cfg.Problem != nil {
		info.Problem = pc.cfg.Problem.Error()
	}
	if pc.sup.Alive() {
		info.PID = pc.sup.PID()
		started := pc.sup.StartedAt()
		info.StartedAt = &started
	}
	return info
}

// newClient builds the in-memory entry for a client directory.
func (d *Daemon) newClient(s *session, id, executable string) *proxyClient {
	dir := filepath.Join(s.path, id)
	pc := &proxyClient{
		id:      id,
		dir:     dir,
		conf:    proxyconfig.NewStore(dir, executable),
		machine: client.NewMachine(),
	}
	pc.cfg = pc.conf.Load()
	pc.sup = supervisor.New(id, d.loop, d.inspector, d.cfg.SupervisorOptions(), func(ev supervisor.Event) {
		d.onSupervisorEvent(pc, ev)
	})
	return pc
}

// uniqueClientID derives an id from the executable name, suffixed with _N
// when taken.
func (s *session) uniqueClientID(executable string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, filepath.Base(executable))
	if base == "" || base == "." || base == "_" {
		base = "client"
	}
	if _, taken := s.clients[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		id := base + "_" + strconv.Itoa(n)
		if _, taken := s.clients[id]; !taken {
			return id
		}
	}
}

// startClient launches pc, staging its config file from the template first
// when the file is missing.
func (d *Daemon) startClient(pc *proxyClient, from control.Address) error {
	if !pc.machine.Actions().Start {
		return fmt.Errorf("%w: start on %s", ErrInvalidTransition, pc.machine.Status())
	}
	pc.cfg = pc.conf.Load()
	if !pc.cfg.Launchable {
		d.broadcastStatus(pc)
		return fmt.Errorf("%w: %v", ErrNotLaunchable, pc.cfg.Problem)
	}
	pc.starter = from
	pc.exitCode = nil
	pc.early = false
	pc.sup.SetOptions(d.cfg.SupervisorOptions())

	if target := d.stagingTarget(pc); target != "" {
		d.stage(pc, target)
		return nil
	}
	return d.launch(pc)
}

func (d *Daemon) launch(pc *proxyClient) error {
	if err := pc.sup.Start(pc.cfg, pc.env(d.session.name)); err != nil {
		return err
	}
	d.apply(pc, client.LaunchEvent)
	d.record(pc, store.EventStatus, "")
	d.broadcastStatus(pc)
	return nil
}

// stagingTarget returns the config file path to create from the template,
// or "" when no staging is needed.
func (d *Daemon) stagingTarget(pc *proxyClient) string {
	if pc.template == "" || pc.cfg.ConfigFile == "" {
		return ""
	}
	target := supervisor.ConfigFilePath(pc.env(d.session.name), pc.cfg.ConfigFile)
	if !filepath.IsAbs(target) {
		target = filepath.Join(pc.dir, target)
	}
	if _, err := os.Stat(target); err == nil {
		return ""
	}
	return target
}

func (d *Daemon) stage(pc *proxyClient, target string) {
	d.apply(pc, client.StageBegin)
	d.broadcastStatus(pc)
	d.apply(pc, client.StageCopy)
	d.broadcastStatus(pc)

	template := pc.template
	go func() {
		err := copyFile(template, target)
		d.loop.Post(func() { d.onStaged(pc, err) })
	}()
}

func (d *Daemon) onStaged(pc *proxyClient, err error) {
	s := d.session
	if s == nil || s.clients[pc.id] != pc || s.closing {
		err = errors.New("session closed during staging")
	}
	if err == nil {
		err = d.launch(pc)
	}
	if err == nil {
		return
	}

	d.apply(pc, client.StageFailed)
	d.launchFailed(pc, err)
}

// stopClient sends the stop signal, or override when set, and arms the kill
// delay.
func (d *Daemon) stopClient(pc *proxyClient, override *signals.Signal) error {
	if !pc.machine.Actions().Stop {
		return fmt.Errorf("%w: stop on %s", ErrInvalidTransition, pc.machine.Status())
	}
	sig := pc.cfg.StopSignal
	if override != nil {
		if !override.In(signals.StopSignals) {
			return fmt.Errorf("%w: %s for stop", ErrBadSignal, override)
		}
		sig = *override
	}
	pc.sup.Stop(sig)
	d.armKill(pc)
	return nil
}

func (d *Daemon) armKill(pc *proxyClient) {
	if pc.killTask != nil {
		return
	}
	pc.killTask = d.loop.After(d.cfg.Daemon.KillDelay, func() {
		pc.killTask = nil
		if !pc.machine.AllowKill() {
			return
		}
		d.sendOrBroadcast(pc.starter, control.EventClientKillAllowed, control.KillAllowedPayload{ClientID: pc.id})
		d.broadcastStatus(pc)
	})
}

// saveClient signals a save with the configured save signal, or override
// when set. The reply is sent once the debounce fires.
func (d *Daemon) saveClient(pc *proxyClient, from control.Address, override *signals.Signal) error {
	sig := signals.None
	if override != nil {
		if !override.In(signals.SaveSignals) {
			return fmt.Errorf("%w: %s for save", ErrBadSignal, override)
		}
		sig = *override
	}
	if err := pc.machine.BeginSave(); err != nil {
		return err
	}
	pc.saver = from
	pc.pendingSaves++
	pc.sup.Save(sig)
	d.broadcastStatus(pc)
	return nil
}

func (d *Daemon) killClient(pc *proxyClient) error {
	if !pc.machine.Actions().Kill {
		return fmt.Errorf("%w: kill on %s", ErrInvalidTransition, pc.machine.Status())
	}
	if pc.sup.Kill() {
		d.record(pc, store.EventKilled, "")
	}
	return nil
}

func (d *Daemon) onSupervisorEvent(pc *proxyClient, ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.Started:
		d.apply(pc, client.Opening)
		d.record(pc, store.EventStatus, "pid "+strconv.Itoa(ev.PID))
		d.broadcastStatus(pc)

	case supervisor.OpenReply:
		d.apply(pc, client.ReadyEvent)
		d.record(pc, store.EventStatus, "")
		d.broadcastStatus(pc)
		d.sendOrBroadcast(pc.starter, control.EventClientOpenReply, control.OpenReplyPayload{ClientID: pc.id, Window: ev.Window})

	case supervisor.SaveReply:
		if pc.pendingSaves == 0 {
			return
		}
		pc.pendingSaves--
		saver := pc.saver
		if pc.pendingSaves == 0 {
			pc.machine.EndSave()
			pc.saver = ""
		}
		d.record(pc, store.EventSaved, "")
		d.sendOrBroadcast(saver, control.EventClientSaveReply, control.SaveReplyPayload{ClientID: pc.id})
		d.broadcastStatus(pc)

	case supervisor.ExitedEvent:
		pc.killTask.Cancel()
		pc.killTask = nil
		code := ev.ExitCode
		pc.exitCode = &code
		pc.early = ev.Early
		d.apply(pc, client.Exit)
		d.record(pc, store.EventExited, fmt.Sprintf("exit code %d, early %t", code, ev.Early))
		d.broadcastStatus(pc)
		d.maybeFinishClose()

	case supervisor.LaunchFailed:
		d.apply(pc, client.Exit)
		d.launchFailed(pc, ev.Err)
	}
}

func (d *Daemon) launchFailed(pc *proxyClient, err error) {
	msg := "launch failed"
	if err != nil {
		msg = err.Error()
	}
	logging.Warn("client launch failed", "client_id", pc.id, "error", msg)
	d.record(pc, store.EventLaunchFailed, msg)
	d.broadcastStatus(pc)
	d.sendOrBroadcast(pc.starter, control.EventClientLaunchFailed, control.LaunchFailedPayload{ClientID: pc.id, Error: msg})
	d.maybeFinishClose()
}

func (d *Daemon) apply(pc *proxyClient, ev client.Event) {
	if err := pc.machine.Apply(ev); err != nil {
		logging.Debug("status transition ignored", "client_id", pc.id, "event", ev.String(), "error", err)
	}
}

// record persists the client's current status and appends a history entry.
func (d *Daemon) record(pc *proxyClient, kind, detail string) {
	s := d.session
	if s == nil {
		return
	}
	status := pc.machine.Status().String()
	var pid *int
	if pc.sup.Alive() {
		p := pc.sup.PID()
		pid = &p
	}
	if err := d.store.UpdateClientStatus(s.name, pc.id, status, pid, pc.exitCode); err != nil {
		logging.Warn("failed to persist client status", "client_id", pc.id, "error", err)
	}
	err := d.store.LogEvent(&store.ClientEvent{
		Session:   s.name,
		ClientID:  pc.id,
		Kind:      kind,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if err != nil {
		logging.Warn("failed to record client event", "client_id", pc.id, "error", err)
	}
}

func (d *Daemon) broadcastStatus(pc *proxyClient) {
	d.server.Broadcast(control.NewEvent(control.EventClientStatus, pc.info()))
}

// sendOrBroadcast delivers a reply event to the controller that asked for
// it, or to everyone when that controller is gone or unknown.
func (d *Daemon) sendOrBroadcast(to control.Address, eventType string, payload any) {
	ev := control.NewEvent(eventType, payload)
	if to != "" {
		if err := d.server.Send(to, ev); err == nil {
			return
		}
	}
	d.server.Broadcast(ev)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy template: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
