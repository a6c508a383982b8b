// Package registry keeps the shared file through which daemons on one host
// learn about each other.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Entry describes one running daemon.
type Entry struct {
	PID       int       `yaml:"pid"`
	URL       string    `yaml:"url"`
	Root      string    `yaml:"root"`
	Session   string    `yaml:"session,omitempty"`
	Networked bool      `yaml:"networked"`
	Started   time.Time `yaml:"started"`
}

type document struct {
	Daemons []Entry `yaml:"daemons"`
}

// Registry is a YAML file guarded by an advisory lock.
type Registry struct {
	path  string
	alive func(pid int) bool
}

// New returns a registry stored at path.
func New(path string) *Registry {
	return &Registry{path: path, alive: processAlive}
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Update records e, replacing any entry with the same pid.
func (r *Registry) Update(e Entry) error {
	return r.modify(func(entries []Entry) []Entry {
		out := entries[:0]
		for _, other := range entries {
			if other.PID != e.PID {
				out = append(out, other)
			}
		}
		return append(out, e)
	})
}

// Remove drops the entry of pid.
func (r *Registry) Remove(pid int) error {
	return r.modify(func(entries []Entry) []Entry {
		out := entries[:0]
		for _, e := range entries {
			if e.PID != pid {
				out = append(out, e)
			}
		}
		return out
	})
}

// List returns the entries of live daemons ordered by pid.
func (r *Registry) List() ([]Entry, error) {
	var result []Entry
	err := r.withLock(unix.LOCK_SH, func() error {
		entries, err := r.read()
		if err != nil {
			return err
		}
		result = r.live(entries)
		return nil
	})
	return result, err
}

// NetworkFree reports whether no live daemon other than self serves root
// as a network daemon.
func (r *Registry) NetworkFree(root string, self int) (bool, error) {
	entries, err := r.List()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.PID != self && e.Networked && filepath.Clean(e.Root) == filepath.Clean(root) {
			return false, nil
		}
	}
	return true, nil
}

func (r *Registry) modify(fn func([]Entry) []Entry) error {
	return r.withLock(unix.LOCK_EX, func() error {
		entries, err := r.read()
		if err != nil {
			return err
		}
		entries = fn(r.live(entries))
		sort.Slice(entries, func(i, j int) bool { return entries[i].PID < entries[j].PID })
		return r.write(entries)
	})
}

func (r *Registry) live(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if r.alive(e.PID) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) read() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// A corrupt registry is rebuilt by the next writer.
		return nil, nil
	}
	return doc.Daemons, nil
}

func (r *Registry) write(entries []Entry) error {
	data, err := yaml.Marshal(document{Daemons: entries})
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) withLock(how int, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	lock, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open registry lock: %w", err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	return fn()
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
