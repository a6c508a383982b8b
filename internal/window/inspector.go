package window

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/drewfead/raysession/internal/executil"
)

// ProcessTreeInspector enumerates window owners and walks process parents.
type ProcessTreeInspector interface {
	WindowPIDs(ctx context.Context) ([]int, error)
	ParentPID(ctx context.Context, pid int) (int, error)
}

// ErrMalformed is returned when tool output cannot be parsed.
var ErrMalformed = errors.New("malformed output")

// SystemInspector uses wmctrl for the window list and /proc, falling back
// to ps, for parent lookups.
type SystemInspector struct {
	ProcRoot string // defaults to /proc
}

// NewSystemInspector returns an inspector over the running desktop.
func NewSystemInspector() *SystemInspector {
	return &SystemInspector{ProcRoot: "/proc"}
}

// WindowPIDs returns the owner pid of every managed window.
func (s *SystemInspector) WindowPIDs(ctx context.Context) ([]int, error) {
	out, err := executil.Output(ctx, "wmctrl", "-l", "-p")
	if err != nil {
		return nil, err
	}
	return ParseWmctrl(out)
}

// ParentPID returns the parent of pid.
func (s *SystemInspector) ParentPID(ctx context.Context, pid int) (int, error) {
	root := s.ProcRoot
	if root == "" {
		root = "/proc"
	}
	if data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", root, pid)); err == nil {
		if ppid, err := ParseProcStat(data); err == nil {
			return ppid, nil
		}
	}

	out, err := executil.Output(ctx, "ps", "-o", "ppid=", "-p", strconv.Itoa(pid))
	if err != nil {
		return 0, err
	}
	ppid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("ps ppid for %d: %w", pid, ErrMalformed)
	}
	return ppid, nil
}

// ParseWmctrl extracts owner pids from `wmctrl -l -p` output. Each line is
// "<window id> <desktop> <pid> <host> <title...>".
func ParseWmctrl(out []byte) ([]int, error) {
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("wmctrl line %q: %w", line, ErrMalformed)
		}
		pid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("wmctrl pid %q: %w", fields[2], ErrMalformed)
		}
		pids = append(pids, pid)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pids, nil
}

// ParseProcStat reads the ppid field of a /proc/<pid>/stat record. The
// command name may contain spaces and parentheses, so fields are counted
// from the last ')'.
func ParseProcStat(data []byte) (int, error) {
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return 0, ErrMalformed
	}
	fields := strings.Fields(s[end+1:])
	if len(fields) < 2 {
		return 0, ErrMalformed
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, ErrMalformed
	}
	return ppid, nil
}
