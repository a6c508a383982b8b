// Package daemon implements ray-daemon: it owns the session root, hosts a
// supervisor for every proxied client and serves the control channel.
//
// All session and client state is owned by a single sched.Loop. Control
// handlers post onto that loop and wait for the result.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/config"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/registry"
	"github.com/drewfead/raysession/internal/sched"
	"github.com/drewfead/raysession/internal/store"
	"github.com/drewfead/raysession/internal/supervisor"
	"github.com/drewfead/raysession/internal/window"
)

var (
	ErrUnknownClient     = errors.New("unknown client")
	ErrNotLaunchable     = supervisor.ErrNotLaunchable
	ErrInvalidTransition = client.ErrInvalidTransition
	ErrNoSession         = errors.New("no session open")
	ErrSessionOpen       = errors.New("a session is already open")
	ErrLocked            = errors.New("session is locked by a session manager")
	ErrRootNotDir        = errors.New("session root exists and is not a directory")
)

// HandlerTimeout bounds how long a control call waits for the loop.
const HandlerTimeout = 10 * time.Second

// maxPortScan is how many ports --find-free-port tries.
const maxPortScan = 100

// Option customizes a Daemon.
type Option func(*Daemon)

// WithInspector replaces the window inspector.
func WithInspector(i window.ProcessTreeInspector) Option {
	return func(d *Daemon) { d.inspector = i }
}

// WithClock replaces the loop clock.
func WithClock(c sched.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// Daemon is one ray-daemon instance.
type Daemon struct {
	cfg       *config.Config
	root      string
	clock     sched.Clock
	loop      *sched.Loop
	server    *control.Server
	store     *store.Store
	registry  *registry.Registry
	inspector window.ProcessTreeInspector
	startedAt time.Time

	// loop-owned
	status      announce.ServerStatus
	options     announce.Options
	lockedBy    control.Address
	session     *session
	controllers map[control.Address]announce.Hello

	ctx    context.Context
	cancel context.CancelFunc

	quit         chan struct{}
	quitOnce     sync.Once
	shutdownOnce sync.Once
}

// New creates a daemon from cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		root:        cfg.Daemon.SessionRoot,
		registry:    registry.New(cfg.Daemon.Registry),
		status:      announce.ServerOff,
		options:     cfg.ServerOptions(),
		controllers: make(map[control.Address]announce.Hello),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.inspector == nil {
		d.inspector = window.NewSystemInspector()
	}
	d.loop = sched.NewLoop("daemon", d.clock)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start prepares the session root, opens the history database, binds the
// control listener and starts the loop.
func (d *Daemon) Start() error {
	if err := ensureRoot(d.root); err != nil {
		return err
	}

	st, err := store.New(d.cfg.Daemon.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.store = st

	srv, err := d.bind()
	if err != nil {
		st.Close()
		return err
	}
	d.server = srv
	d.registerHandlers()
	d.server.OnDisconnect(func(addr control.Address) {
		d.loop.Post(func() { d.forgetController(addr) })
	})

	d.startedAt = time.Now()
	go d.loop.Run(d.ctx)

	d.updateRegistry("")
	logging.Info("control server listening", "url", d.server.URL(), "root", d.root)
	return nil
}

// URL returns the bound control URL.
func (d *Daemon) URL() string {
	if d.server == nil {
		return ""
	}
	return d.server.URL()
}

// OpenSession opens name as if a controller had asked for it.
func (d *Daemon) OpenSession(name string) error {
	_, err := d.call(func() (any, error) {
		return d.openSession(name, "")
	})
	return err
}

// Root returns the session root.
func (d *Daemon) Root() string {
	return d.root
}

// Run starts the daemon and blocks until a shutdown signal or a quit
// request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	return d.Serve()
}

// Serve blocks on signals and quit requests after Start.
func (d *Daemon) Serve() error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return d.signalLoop(sigCh)
}

// Quit requests shutdown from within the daemon.
func (d *Daemon) Quit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		select {
		case <-d.quit:
			logging.Info("quit requested, shutting down")
			d.Shutdown()
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("received SIGHUP, reloading config")
				if err := d.reloadConfig(); err != nil {
					logging.Error("config reload failed", "error", err)
				}

			case syscall.SIGINT, syscall.SIGTERM:
				logging.Info("received shutdown signal", "signal", sig.String())

				done := make(chan struct{})
				go func() {
					d.Shutdown()
					close(done)
				}()

				select {
				case <-done:
					logging.Info("shutdown complete")
					return nil
				case sig2 := <-sigCh:
					logging.Warn("received second signal, killing clients", "signal", sig2.String())
					d.killAll()
					return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
				}
			}
		}
	}
}

// Shutdown stops every client with its stop signal, kills the ones still
// alive after the shutdown timeout, and releases the daemon's resources.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.stopAll()
		if !d.waitAllStopped(d.cfg.Daemon.ShutdownTimeout) {
			logging.Warn("clients still running after shutdown timeout, killing")
			d.killAll()
			d.waitAllStopped(2 * time.Second)
		}

		d.call(func() (any, error) {
			if d.session != nil {
				d.finishClose()
			}
			return nil, nil
		})

		if err := d.registry.Remove(os.Getpid()); err != nil {
			logging.Warn("failed to update daemon registry", "error", err)
		}
		if d.server != nil {
			d.server.Stop()
		}
		d.cancel()
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				logging.Error("error closing database", "error", err)
			}
		}
		logging.Flush(2 * time.Second)
	})
}

func (d *Daemon) reloadConfig() error {
	newCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := d.applyReload(newCfg); err != nil {
		return err
	}
	logging.Info("config reloaded", "kill_delay", newCfg.Daemon.KillDelay, "grace", newCfg.Proxy.Grace)
	return nil
}

// applyReload swaps in the reloadable settings. Supervisor timings reach a
// client the next time it starts.
func (d *Daemon) applyReload(newCfg *config.Config) error {
	_, err := d.call(func() (any, error) {
		d.cfg.Proxy = newCfg.Proxy
		d.cfg.Daemon.KillDelay = newCfg.Daemon.KillDelay
		return nil, nil
	})
	return err
}

// call runs fn on the loop and returns its result. It is the only way
// control handlers touch daemon state.
func (d *Daemon) call(fn func() (any, error)) (any, error) {
	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	d.loop.Post(func() {
		data, err := fn()
		done <- result{data, err}
	})

	timer := time.NewTimer(HandlerTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.data, r.err
	case <-d.ctx.Done():
		return nil, errors.New("daemon shutting down")
	case <-timer.C:
		return nil, errors.New("daemon busy")
	}
}

func (d *Daemon) bind() (*control.Server, error) {
	url := d.cfg.Daemon.ControlURL
	switch {
	case url != "":
	case d.cfg.Daemon.Port > 0:
		return d.bindPort(d.cfg.Daemon.Port, d.cfg.Daemon.FindFreePort)
	default:
		url = config.DefaultControlURL()
	}

	srv, err := control.NewServer(url)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func (d *Daemon) bindPort(port int, scan bool) (*control.Server, error) {
	tries := 1
	if scan {
		tries = maxPortScan
	}
	var lastErr error
	for i := 0; i < tries && port+i <= 65535; i++ {
		srv, err := control.NewServer(control.TCPURL("", port+i))
		if err != nil {
			return nil, err
		}
		if err := srv.Start(); err != nil {
			lastErr = err
			continue
		}
		return srv, nil
	}
	return nil, fmt.Errorf("port %d is not free: %w", port, lastErr)
}

func (d *Daemon) updateRegistry(sessionName string) {
	u, _ := control.ParseURL(d.URL())
	err := d.registry.Update(registry.Entry{
		PID:       os.Getpid(),
		URL:       d.URL(),
		Root:      d.root,
		Session:   sessionName,
		Networked: u.Network == "tcp",
		Started:   d.startedAt,
	})
	if err != nil {
		logging.Warn("failed to update daemon registry", "error", err)
	}
}

func ensureRoot(root string) error {
	info, err := os.Stat(root)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrRootNotDir, root)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat session root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create session root %s: %w", root, err)
	}
	return nil
}
