// Package executil runs the helper tools the daemon depends on (wmctrl, ps)
// from trusted system directories only.
package executil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a tool is not present in any trusted directory.
var ErrNotFound = errors.New("executable not found")

var trustedDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// Lookup resolves name against the trusted directories followed by the
// world-unwritable entries of $PATH.
func Lookup(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		path := filepath.Clean(name)
		if isExecutable(path) {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, dir := range searchDirs() {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w in trusted PATH: %s", ErrNotFound, name)
}

// CommandContext builds a command for a trusted tool with a sanitized PATH.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	path, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = SafeEnv()
	return cmd, nil
}

// Output runs a trusted tool and returns its standard output.
func Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd, err := CommandContext(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SafeEnv returns the current environment with PATH limited to trusted dirs.
func SafeEnv() []string {
	dirs := searchDirs()
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		env = append(env, kv)
	}
	if len(dirs) > 0 {
		env = append(env, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
	}
	return env
}

func searchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if dir == "" || !filepath.IsAbs(dir) {
			return
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	for _, dir := range trustedDirs {
		add(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	return dirs
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
