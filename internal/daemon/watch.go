package daemon

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/proxyconfig"
)

// proxyWatcher reports edits of client proxy files made outside the daemon.
type proxyWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// newProxyWatcher starts watching. onChange receives the client directory
// and is called from the watcher goroutine.
func newProxyWatcher(onChange func(dir string)) *proxyWatcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("proxy file watching disabled", "error", err)
		return nil
	}
	pw := &proxyWatcher{w: w, done: make(chan struct{})}

	go func() {
		defer close(pw.done)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != proxyconfig.FileName {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				onChange(filepath.Dir(event.Name))

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("proxy file watcher error", "error", err)
			}
		}
	}()
	return pw
}

func (pw *proxyWatcher) add(dir string) {
	if pw == nil {
		return
	}
	if err := pw.w.Add(dir); err != nil {
		logging.Debug("cannot watch client dir", "dir", dir, "error", err)
	}
}

func (pw *proxyWatcher) remove(dir string) {
	if pw == nil {
		return
	}
	_ = pw.w.Remove(dir)
}

func (pw *proxyWatcher) close() {
	if pw == nil {
		return
	}
	pw.w.Close()
	<-pw.done
}

// onProxyFileChanged reloads the config of the client living in dir. The
// new config takes effect on the client's next start.
func (d *Daemon) onProxyFileChanged(dir string) {
	s := d.session
	if s == nil {
		return
	}
	for _, pc := range s.clients {
		if filepath.Clean(pc.dir) != filepath.Clean(dir) {
			continue
		}
		cfg := pc.conf.Load()
		if sameConfig(pc.cfg, cfg) {
			return
		}
		pc.cfg = cfg
		logging.Info("proxy file changed", "client_id", pc.id, "launchable", cfg.Launchable)
		d.broadcastStatus(pc)
		return
	}
}

func sameConfig(a, b *proxyconfig.Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Executable == b.Executable &&
		a.ConfigFile == b.ConfigFile &&
		a.Arguments == b.Arguments &&
		a.SaveSignal == b.SaveSignal &&
		a.StopSignal == b.StopSignal &&
		a.WaitWindow == b.WaitWindow &&
		a.Launchable == b.Launchable
}
