package control

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// URL is a parsed control listener address.
type URL struct {
	Network string // "unix" or "tcp"
	Address string // socket path or host:port
}

// ParseURL accepts "unix:///path/to.sock", "tcp://host:port" or a bare
// absolute socket path.
func ParseURL(raw string) (URL, error) {
	switch {
	case strings.HasPrefix(raw, "unix://"):
		path := strings.TrimPrefix(raw, "unix://")
		if path == "" {
			return URL{}, fmt.Errorf("control url %q: empty socket path", raw)
		}
		return URL{Network: "unix", Address: path}, nil
	case strings.HasPrefix(raw, "tcp://"):
		addr := strings.TrimPrefix(raw, "tcp://")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return URL{}, fmt.Errorf("control url %q: %w", raw, err)
		}
		return URL{Network: "tcp", Address: addr}, nil
	case filepath.IsAbs(raw):
		return URL{Network: "unix", Address: raw}, nil
	default:
		return URL{}, fmt.Errorf("control url %q: expected unix:// or tcp://", raw)
	}
}

// TCPURL formats a loopback tcp url for port.
func TCPURL(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Port returns the tcp port, or 0 for unix sockets.
func (u URL) Port() int {
	if u.Network != "tcp" {
		return 0
	}
	_, port, err := net.SplitHostPort(u.Address)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func (u URL) String() string {
	return u.Network + "://" + u.Address
}
