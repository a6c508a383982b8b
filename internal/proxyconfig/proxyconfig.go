// Package proxyconfig reads and writes the persisted configuration of a
// proxy-wrapped client (ray-proxy.xml in the client directory).
package proxyconfig

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/version"
)

// FileName is the name of the proxy document inside a client directory.
const FileName = "ray-proxy.xml"

const rootElement = "RAY-PROXY"

var (
	ErrNoFile       = errors.New("proxy file does not exist")
	ErrWrongRoot    = errors.New("proxy file has wrong root element")
	ErrNoExecutable = errors.New("no executable")
	ErrArguments    = errors.New("invalid arguments line")
)

// Config is the proxy configuration of one client.
type Config struct {
	Executable string         `json:"executable"`
	ConfigFile string         `json:"config_file,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	SaveSignal signals.Signal `json:"save_signal"`
	StopSignal signals.Signal `json:"stop_signal"`
	WaitWindow bool           `json:"wait_window"`

	// Launchable reports whether the executable is set and Arguments tokenizes.
	Launchable bool `json:"launchable"`
	// Problem records why Launchable is false.
	Problem error `json:"-"`
}

// Default returns the configuration used when no document exists yet.
func Default(executable string) *Config {
	cfg := &Config{
		Executable: executable,
		SaveSignal: signals.DefaultSave,
		StopSignal: signals.DefaultStop,
	}
	cfg.validate()
	return cfg
}

// validate recomputes Launchable and Problem.
func (c *Config) validate() {
	c.Launchable = false
	c.Problem = nil

	if c.Executable == "" {
		c.Problem = ErrNoExecutable
		return
	}
	if _, err := SplitArguments(c.Arguments); err != nil {
		c.Problem = fmt.Errorf("%w: %v", ErrArguments, err)
		return
	}
	c.Launchable = true
}

// Store persists one client's proxy document.
type Store struct {
	path       string
	executable string
}

// NewStore returns a store for the document in dir. executable seeds the
// default configuration when the document is absent.
func NewStore(dir, executable string) *Store {
	return &Store{
		path:       filepath.Join(dir, FileName),
		executable: executable,
	}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. It never fails: any problem yields a
// configuration with Launchable false and Problem set.
func (s *Store) Load() *Config {
	cfg := Default(s.executable)
	cfg.Launchable = false

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.Problem = ErrNoFile
		} else {
			cfg.Problem = fmt.Errorf("read proxy file: %w", err)
		}
		return cfg
	}

	attrs, err := decodeRoot(data)
	if err != nil {
		cfg.Problem = err
		return cfg
	}

	cfg.Executable = attrs["executable"]
	cfg.ConfigFile = attrs["config_file"]
	cfg.Arguments = attrs["arguments"]
	cfg.SaveSignal = signals.DecodeSave(attrs["save_signal"])
	cfg.StopSignal = signals.DecodeStop(attrs["stop_signal"])
	cfg.WaitWindow = parseBool(attrs["wait_window"])

	cfg.validate()
	return cfg
}

// Save overwrites the document with cfg and returns the configuration a
// subsequent Load sees.
func (s *Store) Save(cfg *Config) (*Config, error) {
	data, err := encode(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create client dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+FileName+".*")
	if err != nil {
		return nil, fmt.Errorf("create proxy file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write proxy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write proxy file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("replace proxy file: %w", err)
	}

	return s.Load(), nil
}

func decodeRoot(data []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("parse proxy file: no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("parse proxy file: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != rootElement {
			return nil, fmt.Errorf("%w: %s", ErrWrongRoot, start.Name.Local)
		}

		attrs := make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}

		// The rest of the document must still be well formed.
		for {
			if _, err := dec.Token(); err != nil {
				if err == io.EOF {
					return attrs, nil
				}
				return nil, fmt.Errorf("parse proxy file: %w", err)
			}
		}
	}
}

func encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0' encoding='UTF-8'?>\n")
	buf.WriteString("<!DOCTYPE " + rootElement + ">\n")

	start := xml.StartElement{
		Name: xml.Name{Local: rootElement},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "VERSION"}, Value: version.Version},
			{Name: xml.Name{Local: "executable"}, Value: cfg.Executable},
			{Name: xml.Name{Local: "arguments"}, Value: cfg.Arguments},
			{Name: xml.Name{Local: "config_file"}, Value: cfg.ConfigFile},
			{Name: xml.Name{Local: "save_signal"}, Value: cfg.SaveSignal.Encode()},
			{Name: xml.Name{Local: "stop_signal"}, Value: cfg.StopSignal.Encode()},
			{Name: xml.Name{Local: "wait_window"}, Value: formatBool(cfg.WaitWindow)},
		},
	}

	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return nil, fmt.Errorf("encode proxy file: %w", err)
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, fmt.Errorf("encode proxy file: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encode proxy file: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0
	}
	b, _ := strconv.ParseBool(s)
	return b
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
