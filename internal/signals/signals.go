// Package signals maps the symbolic save/stop signal choices of a proxy client
// to operating-system signals.
package signals

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal is one of the signals a proxy client may be configured with.
type Signal int

const (
	None Signal = iota
	SIGUSR1
	SIGUSR2
	SIGINT
	SIGTERM
	SIGHUP
)

var osSignals = map[Signal]syscall.Signal{
	SIGUSR1: unix.SIGUSR1,
	SIGUSR2: unix.SIGUSR2,
	SIGINT:  unix.SIGINT,
	SIGTERM: unix.SIGTERM,
	SIGHUP:  unix.SIGHUP,
}

// SaveSignals are the signals offered for saving, in display order.
var SaveSignals = []Signal{None, SIGUSR1, SIGUSR2, SIGINT}

// StopSignals are the signals offered for stopping, in display order.
var StopSignals = []Signal{SIGTERM, SIGINT, SIGHUP}

// DefaultSave is used when a save signal is missing or unrecognized.
const DefaultSave = None

// DefaultStop is used when a stop signal is missing or unrecognized.
const DefaultStop = SIGTERM

// String returns the conventional signal name, or "None".
func (s Signal) String() string {
	if s == None {
		return "None"
	}
	sig, ok := osSignals[s]
	if !ok {
		return "Signal(" + strconv.Itoa(int(s)) + ")"
	}
	return unix.SignalName(sig)
}

// OS returns the operating-system signal. ok is false for None.
func (s Signal) OS() (sig syscall.Signal, ok bool) {
	sig, ok = osSignals[s]
	return sig, ok
}

// Encode returns the persisted form: the numeric signal value, "0" for None.
func (s Signal) Encode() string {
	sig, ok := s.OS()
	if !ok {
		return "0"
	}
	return strconv.Itoa(int(sig))
}

// DecodeSave parses a persisted save signal. Unknown values and signals outside
// the save domain decode to DefaultSave.
func DecodeSave(raw string) Signal {
	if sig, ok := decode(raw, SaveSignals); ok {
		return sig
	}
	return DefaultSave
}

// DecodeStop parses a persisted stop signal. "None" and "0" explicitly disable
// stopping; unknown values and signals outside the stop domain decode to
// DefaultStop.
func DecodeStop(raw string) Signal {
	if sig, ok := decode(raw, append([]Signal{None}, StopSignals...)); ok {
		return sig
	}
	return DefaultStop
}

// FromOS maps an operating-system signal back to a Signal.
func FromOS(sig syscall.Signal) (Signal, bool) {
	for s, v := range osSignals {
		if v == sig {
			return s, true
		}
	}
	return None, false
}

// In reports whether s is one of domain.
func (s Signal) In(domain []Signal) bool {
	for _, d := range domain {
		if d == s {
			return true
		}
	}
	return false
}

func decode(raw string, domain []Signal) (Signal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return None, false
	}

	var candidate Signal
	switch {
	case raw == "0" || strings.EqualFold(raw, "none"):
		candidate = None
	case isDigits(raw):
		n, err := strconv.Atoi(raw)
		if err != nil {
			return None, false
		}
		s, ok := FromOS(syscall.Signal(n))
		if !ok {
			return None, false
		}
		candidate = s
	default:
		name := strings.ToUpper(raw)
		if !strings.HasPrefix(name, "SIG") {
			name = "SIG" + name
		}
		num := unix.SignalNum(name)
		if num == 0 {
			return None, false
		}
		s, ok := FromOS(num)
		if !ok {
			return None, false
		}
		candidate = s
	}

	if candidate.In(domain) {
		return candidate, true
	}
	return None, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// MarshalText encodes the signal by name.
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a name or a number of any known signal.
func (s *Signal) UnmarshalText(text []byte) error {
	all := []Signal{None, SIGUSR1, SIGUSR2, SIGINT, SIGTERM, SIGHUP}
	raw := string(text)
	if raw == "" {
		*s = None
		return nil
	}
	sig, ok := decode(raw, all)
	if !ok {
		return fmt.Errorf("unknown signal %q", raw)
	}
	*s = sig
	return nil
}
