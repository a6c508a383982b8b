// Package announce implements the compatibility handshake between a
// controller and a daemon.
package announce

import (
	"fmt"
	"strings"
)

// Status is the outcome of an announce.
type Status int

const (
	Ok Status = iota
	VersionMismatch
	WrongSessionRoot
	RootNotFree
	ServerNotOff
	NoResponse
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case VersionMismatch:
		return "version_mismatch"
	case WrongSessionRoot:
		return "wrong_session_root"
	case RootNotFree:
		return "root_not_free"
	case ServerNotOff:
		return "server_not_off"
	case NoResponse:
		return "no_response"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ServerStatus is the daemon's session state.
type ServerStatus string

const (
	ServerOff     ServerStatus = "off"
	ServerReady   ServerStatus = "ready"
	ServerClosing ServerStatus = "closing"
)

// Options is the daemon option bitset.
type Options uint32

const (
	NsmLocked Options = 1 << iota
	SaveAllFromSavedClient
	BookmarkSession
	DesktopsMemory
)

var optionNames = []struct {
	opt  Options
	name string
}{
	{NsmLocked, "nsm_locked"},
	{SaveAllFromSavedClient, "save_from_client"},
	{BookmarkSession, "bookmark_session"},
	{DesktopsMemory, "desktops_memory"},
}

// Has reports whether every bit of o2 is set.
func (o Options) Has(o2 Options) bool {
	return o&o2 == o2
}

func (o Options) String() string {
	var names []string
	for _, on := range optionNames {
		if o.Has(on.opt) {
			names = append(names, on.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseOption returns the option bit for name.
func ParseOption(name string) (Options, bool) {
	for _, on := range optionNames {
		if on.name == name {
			return on.opt, true
		}
	}
	return 0, false
}

// Hello is what a controller sends when announcing.
type Hello struct {
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Advertisement is the daemon's announce reply.
type Advertisement struct {
	Version      string       `json:"version"`
	ServerStatus ServerStatus `json:"server_status"`
	Options      Options      `json:"options"`
	SessionRoot  string       `json:"session_root"`
	SessionName  string       `json:"session_name,omitempty"`
	NetworkFree  bool         `json:"network_free"`
}

// Expectation is what the controller requires of a daemon.
type Expectation struct {
	Version     string
	SessionRoot string // empty accepts any root
	Networked   bool   // require a root no other network daemon serves
	RequireOff  bool   // require no open session
	UnderNSM    bool
}

// Evaluate checks an advertisement against the expectation. Checks run in
// a fixed order and the first failure wins.
func Evaluate(ad Advertisement, exp Expectation) Status {
	if !SameRelease(ad.Version, exp.Version) {
		return VersionMismatch
	}
	if exp.SessionRoot != "" && ad.SessionRoot != exp.SessionRoot {
		return WrongSessionRoot
	}
	if exp.Networked && !ad.NetworkFree {
		return RootNotFree
	}
	if exp.RequireOff && ad.ServerStatus != ServerOff {
		return ServerNotOff
	}
	return Ok
}

// SameRelease reports whether a and b share major and minor version.
// "1.2.3" and "1.2.9" match, "1.2.3" and "1.3.0" do not.
func SameRelease(a, b string) bool {
	am, an := release(a)
	bm, bn := release(b)
	return am == bm && an == bn
}

func release(v string) (string, string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.SplitN(v, ".", 3)
	major := parts[0]
	minor := "0"
	if len(parts) > 1 {
		minor = parts[1]
	}
	return trimZeros(major), trimZeros(minor)
}

func trimZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" && s != "" {
		return "0"
	}
	return t
}
