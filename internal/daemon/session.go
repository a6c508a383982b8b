package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/sched"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/store"
)

// session is the open session. Loop-owned.
type session struct {
	name      string
	path      string
	clients   map[string]*proxyClient
	closing   bool
	closeTask *sched.Task
	watcher   *proxyWatcher
}

func (s *session) sorted() []*proxyClient {
	out := make([]*proxyClient, 0, len(s.clients))
	for _, pc := range s.clients {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Daemon) sessionInfo() control.SessionInfo {
	info := control.SessionInfo{Status: d.status}
	if s := d.session; s != nil {
		info.Name = s.name
		info.Path = s.path
		info.Clients = len(s.clients)
	}
	return info
}

func validSessionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid session name %q", name)
	}
	return nil
}

// checkLock rejects session changes from anyone but the NSM-locking
// controller.
func (d *Daemon) checkLock(from control.Address) error {
	if d.options.Has(announce.NsmLocked) && d.lockedBy != "" && d.lockedBy != from {
		return ErrLocked
	}
	return nil
}

// openSession opens name under the root, restoring its clients from the
// history database.
func (d *Daemon) openSession(name string, from control.Address) (control.SessionInfo, error) {
	if err := validSessionName(name); err != nil {
		return control.SessionInfo{}, err
	}
	if err := d.checkLock(from); err != nil {
		return control.SessionInfo{}, err
	}
	if s := d.session; s != nil {
		if s.name == name && !s.closing {
			return d.sessionInfo(), nil
		}
		return control.SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionOpen, s.name)
	}

	path := filepath.Join(d.root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return control.SessionInfo{}, fmt.Errorf("create session dir: %w", err)
	}
	if err := d.store.OpenSession(name, path); err != nil {
		return control.SessionInfo{}, fmt.Errorf("record session: %w", err)
	}

	s := &session{name: name, path: path, clients: make(map[string]*proxyClient)}
	s.watcher = newProxyWatcher(func(dir string) {
		d.loop.Post(func() { d.onProxyFileChanged(dir) })
	})
	d.session = s

	records, err := d.store.ListClients(name)
	if err != nil {
		logging.Warn("failed to list session clients", "session", name, "error", err)
	}
	for _, rec := range records {
		pc := d.newClient(s, rec.ID, rec.Executable)
		s.clients[pc.id] = pc
		s.watcher.add(pc.dir)
		if rec.Status != client.Stopped.String() {
			d.record(pc, store.EventStatus, "restored")
		}
	}

	d.setStatus(announce.ServerReady)
	d.updateRegistry(name)
	logging.Info("session opened", "session", name, "clients", len(s.clients))
	return d.sessionInfo(), nil
}

// closeSession stops every client. The session is finalized once all of
// them have exited, or after the shutdown timeout with survivors killed.
func (d *Daemon) closeSession(from control.Address) (control.SessionInfo, error) {
	s := d.session
	if s == nil {
		return control.SessionInfo{}, ErrNoSession
	}
	if err := d.checkLock(from); err != nil {
		return control.SessionInfo{}, err
	}
	if s.closing {
		return d.sessionInfo(), nil
	}

	s.closing = true
	d.setStatus(announce.ServerClosing)
	d.stopClients()

	s.closeTask = d.loop.After(d.cfg.Daemon.ShutdownTimeout, func() {
		for _, pc := range s.sorted() {
			if pc.sup.Kill() {
				d.record(pc, store.EventKilled, "close timeout")
			}
		}
	})

	info := d.sessionInfo()
	d.maybeFinishClose()
	return info, nil
}

// saveSession asks every ready client to save.
func (d *Daemon) saveSession(from control.Address) (control.SessionInfo, error) {
	s := d.session
	if s == nil {
		return control.SessionInfo{}, ErrNoSession
	}
	for _, pc := range s.sorted() {
		if pc.machine.Actions().Save {
			if err := d.saveClient(pc, from, nil); err != nil {
				logging.Debug("client save skipped", "client_id", pc.id, "error", err)
			}
		}
	}
	return d.sessionInfo(), nil
}

func (d *Daemon) maybeFinishClose() {
	s := d.session
	if s == nil || !s.closing {
		return
	}
	for _, pc := range s.clients {
		if pc.active() {
			return
		}
	}
	d.finishClose()
}

func (d *Daemon) finishClose() {
	s := d.session
	s.closeTask.Cancel()
	s.watcher.close()
	for _, pc := range s.clients {
		pc.killTask.Cancel()
	}
	if err := d.store.CloseSession(s.name); err != nil {
		logging.Warn("failed to record session close", "session", s.name, "error", err)
	}
	d.session = nil
	d.setStatus(announce.ServerOff)
	d.updateRegistry("")
	logging.Info("session closed", "session", s.name)
}

func (d *Daemon) setStatus(status announce.ServerStatus) {
	d.status = status
	payload := control.ServerStatusPayload{Status: status}
	if d.session != nil {
		payload.Session = d.session.name
	}
	d.server.Broadcast(control.NewEvent(control.EventServerStatus, payload))
}

// stopClients sends every live client its stop signal, SIGTERM for
// clients that have none.
func (d *Daemon) stopClients() {
	s := d.session
	if s == nil {
		return
	}
	for _, pc := range s.sorted() {
		if !pc.sup.Alive() && pc.machine.Status() == client.Stopped {
			continue
		}
		sig := pc.cfg.StopSignal
		if sig == signals.None {
			sig = signals.SIGTERM
		}
		pc.sup.Stop(sig)
		d.armKill(pc)
	}
}

func (d *Daemon) stopAll() {
	d.call(func() (any, error) {
		d.stopClients()
		return nil, nil
	})
}

func (d *Daemon) killAll() {
	d.call(func() (any, error) {
		if d.session == nil {
			return nil, nil
		}
		for _, pc := range d.session.sorted() {
			if pc.sup.Kill() {
				d.record(pc, store.EventKilled, "shutdown")
			}
		}
		return nil, nil
	})
}

// waitAllStopped polls until no client is active or timeout elapses.
func (d *Daemon) waitAllStopped(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		v, err := d.call(func() (any, error) {
			if d.session == nil {
				return false, nil
			}
			for _, pc := range d.session.clients {
				if pc.active() {
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil {
			return false
		}
		if busy, _ := v.(bool); !busy {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
