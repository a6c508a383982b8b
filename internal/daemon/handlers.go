package daemon

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/proxyconfig"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/store"
	"github.com/drewfead/raysession/internal/version"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(control.MethodAnnounce, d.handleAnnounce)
	d.server.Handle(control.MethodDisannounce, d.handleDisannounce)
	d.server.Handle(control.MethodSetNsmLocked, d.handleSetNsmLocked)
	d.server.Handle(control.MethodOpenSession, d.handleOpenSession)
	d.server.Handle(control.MethodCloseSession, d.handleCloseSession)
	d.server.Handle(control.MethodSaveSession, d.handleSaveSession)
	d.server.Handle(control.MethodAddProxy, d.handleAddProxy)
	d.server.Handle(control.MethodListClients, d.handleListClients)
	d.server.Handle(control.MethodStartClient, d.clientAction(func(pc *proxyClient, from control.Address, _ *signals.Signal) error {
		return d.startClient(pc, from)
	}))
	d.server.Handle(control.MethodStopClient, d.clientAction(func(pc *proxyClient, _ control.Address, sig *signals.Signal) error {
		return d.stopClient(pc, sig)
	}))
	d.server.Handle(control.MethodSaveClient, d.clientAction(d.saveClient))
	d.server.Handle(control.MethodKillClient, d.clientAction(func(pc *proxyClient, _ control.Address, _ *signals.Signal) error {
		return d.killClient(pc)
	}))
	d.server.Handle(control.MethodRemoveClient, d.handleRemoveClient)
	d.server.Handle(control.MethodClientHistory, d.handleClientHistory)
	d.server.Handle(control.MethodQuit, d.handleQuit)
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (d *Daemon) handleAnnounce(from control.Address, params json.RawMessage) (any, error) {
	var hello announce.Hello
	if err := decodeParams(params, &hello); err != nil {
		return nil, err
	}
	if !announce.SameRelease(hello.Version, version.Version) {
		logging.Warn("controller version differs", "controller", hello.Name, "version", hello.Version)
	}

	free, err := d.registry.NetworkFree(d.root, os.Getpid())
	if err != nil {
		logging.Warn("failed to read daemon registry", "error", err)
		free = true
	}

	return d.call(func() (any, error) {
		d.controllers[from] = hello
		logging.Info("controller announced", "address", from, "name", hello.Name, "pid", hello.PID)

		ad := &announce.Advertisement{
			Version:      version.Version,
			ServerStatus: d.status,
			Options:      d.options,
			SessionRoot:  d.root,
			NetworkFree:  free,
		}
		if d.session != nil {
			ad.SessionName = d.session.name
		}
		return ad, nil
	})
}

func (d *Daemon) handleDisannounce(from control.Address, _ json.RawMessage) (any, error) {
	return d.call(func() (any, error) {
		d.forgetController(from)
		return nil, nil
	})
}

func (d *Daemon) handleSetNsmLocked(from control.Address, _ json.RawMessage) (any, error) {
	return d.call(func() (any, error) {
		d.lockedBy = from
		d.setOptions(d.options | announce.NsmLocked)
		return nil, nil
	})
}

// forgetController drops a controller. Its NSM lock goes with it.
func (d *Daemon) forgetController(addr control.Address) {
	if _, ok := d.controllers[addr]; ok {
		logging.Info("controller gone", "address", addr)
	}
	delete(d.controllers, addr)
	if d.lockedBy == addr {
		d.lockedBy = ""
		d.setOptions(d.options &^ announce.NsmLocked)
	}
}

func (d *Daemon) setOptions(opts announce.Options) {
	if opts == d.options {
		return
	}
	d.options = opts
	d.server.Broadcast(control.NewEvent(control.EventServerOptions, control.ServerOptionsPayload{Options: opts}))
}

func (d *Daemon) handleOpenSession(from control.Address, params json.RawMessage) (any, error) {
	var req control.SessionRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return d.call(func() (any, error) {
		return d.openSession(req.Name, from)
	})
}

func (d *Daemon) handleCloseSession(from control.Address, _ json.RawMessage) (any, error) {
	return d.call(func() (any, error) {
		return d.closeSession(from)
	})
}

func (d *Daemon) handleSaveSession(from control.Address, _ json.RawMessage) (any, error) {
	return d.call(func() (any, error) {
		return d.saveSession(from)
	})
}

func (d *Daemon) handleAddProxy(from control.Address, params json.RawMessage) (any, error) {
	var req control.AddProxyRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Executable == "" {
		return nil, proxyconfig.ErrNoExecutable
	}
	if req.ClientID != "" && !clientIDPattern.MatchString(req.ClientID) {
		return nil, fmt.Errorf("invalid client id %q", req.ClientID)
	}
	return d.call(func() (any, error) {
		return d.addProxy(req, from)
	})
}

func (d *Daemon) addProxy(req control.AddProxyRequest, from control.Address) (*control.ClientInfo, error) {
	s := d.session
	if s == nil || s.closing {
		return nil, ErrNoSession
	}
	id := req.ClientID
	if id == "" {
		id = s.uniqueClientID(req.Executable)
	} else if _, taken := s.clients[id]; taken {
		return nil, fmt.Errorf("client id %q already in use", id)
	}

	pc := d.newClient(s, id, req.Executable)
	cfg := proxyconfig.Default(req.Executable)
	cfg.ConfigFile = req.ConfigFile
	cfg.Arguments = proxyconfig.DefaultArguments(req.ConfigFile, req.Arguments)
	cfg.WaitWindow = req.WaitWindow
	if req.SaveSignal != nil {
		cfg.SaveSignal = *req.SaveSignal
	}
	if req.StopSignal != nil {
		cfg.StopSignal = *req.StopSignal
	}
	if cfg.StopSignal == signals.None {
		logging.Info("client has no stop signal, it will need a kill", "client_id", id)
	}

	if err := os.MkdirAll(pc.dir, 0755); err != nil {
		return nil, fmt.Errorf("create client dir: %w", err)
	}
	saved, err := pc.conf.Save(cfg)
	if err != nil {
		return nil, fmt.Errorf("write proxy config: %w", err)
	}
	pc.cfg = saved
	pc.template = req.ConfigTemplate

	err = d.store.UpsertClient(&store.Client{
		Session:    s.name,
		ID:         id,
		Executable: req.Executable,
		Status:     pc.machine.Status().String(),
	})
	if err != nil {
		logging.Warn("failed to persist client", "client_id", id, "error", err)
	}
	s.clients[id] = pc
	s.watcher.add(pc.dir)
	d.record(pc, store.EventAdded, req.Executable)
	d.broadcastStatus(pc)
	logging.Info("client added", "session", s.name, "client_id", id, "executable", req.Executable, "launchable", saved.Launchable)

	if req.AutoStart && saved.Launchable {
		if err := d.startClient(pc, from); err != nil {
			logging.Warn("auto start failed", "client_id", id, "error", err)
		}
	}
	info := pc.info()
	return &info, nil
}

func (d *Daemon) handleListClients(_ control.Address, _ json.RawMessage) (any, error) {
	return d.call(func() (any, error) {
		s := d.session
		if s == nil {
			return nil, ErrNoSession
		}
		clients := make([]control.ClientInfo, 0, len(s.clients))
		for _, pc := range s.sorted() {
			clients = append(clients, pc.info())
		}
		return clients, nil
	})
}

// lookup returns the named client of the open session.
func (d *Daemon) lookup(id string) (*proxyClient, error) {
	s := d.session
	if s == nil {
		return nil, ErrNoSession
	}
	pc, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return pc, nil
}

// clientAction adapts a per-client operation to a handler replying with the
// client's updated info.
func (d *Daemon) clientAction(fn func(pc *proxyClient, from control.Address, sig *signals.Signal) error) control.HandlerFunc {
	return func(from control.Address, params json.RawMessage) (any, error) {
		var req control.ClientRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return d.call(func() (any, error) {
			pc, err := d.lookup(req.ClientID)
			if err != nil {
				return nil, err
			}
			if err := fn(pc, from, req.Signal); err != nil {
				return nil, err
			}
			info := pc.info()
			return &info, nil
		})
	}
}

func (d *Daemon) handleRemoveClient(_ control.Address, params json.RawMessage) (any, error) {
	var req control.ClientRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return d.call(func() (any, error) {
		pc, err := d.lookup(req.ClientID)
		if err != nil {
			return nil, err
		}
		if !pc.machine.Actions().Remove {
			return nil, fmt.Errorf("%w: remove on %s", ErrInvalidTransition, pc.machine.Status())
		}

		s := d.session
		d.record(pc, store.EventRemoved, "")
		if err := d.store.DeleteClient(s.name, pc.id); err != nil {
			logging.Warn("failed to delete client record", "client_id", pc.id, "error", err)
		}
		delete(s.clients, pc.id)
		s.watcher.remove(pc.dir)

		info := pc.info()
		info.Removed = true
		d.server.Broadcast(control.NewEvent(control.EventClientStatus, info))
		logging.Info("client removed", "session", s.name, "client_id", pc.id)
		return nil, nil
	})
}

func (d *Daemon) handleClientHistory(_ control.Address, params json.RawMessage) (any, error) {
	var req control.HistoryRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	v, err := d.call(func() (any, error) {
		if d.session == nil {
			return nil, ErrNoSession
		}
		return d.session.name, nil
	})
	if err != nil {
		return nil, err
	}
	sessionName := v.(string)

	events, err := d.store.ListEvents(sessionName, req.ClientID, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	entries := make([]control.HistoryEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, control.HistoryEntry{
			ClientID: e.ClientID,
			Session:  e.Session,
			Kind:     e.Kind,
			Status:   e.Status,
			Detail:   e.Detail,
			At:       e.Timestamp,
		})
	}
	return entries, nil
}

func (d *Daemon) handleQuit(from control.Address, _ json.RawMessage) (any, error) {
	logging.Info("quit requested", "address", from)
	d.Quit()
	return nil, nil
}
