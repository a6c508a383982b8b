// Package config loads ray-daemon and rayctl configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/supervisor"
	"github.com/drewfead/raysession/internal/window"
)

// Config is the root configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Options    OptionsConfig    `yaml:"options"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Controller ControllerConfig `yaml:"controller"`
	UI         UIConfig         `yaml:"ui"`
}

// DaemonConfig defines ray-daemon settings.
type DaemonConfig struct {
	SessionRoot     string        `yaml:"session_root"`
	ControlURL      string        `yaml:"control_url"`
	Port            int           `yaml:"port"` // tcp port; 0 = unix socket
	FindFreePort    bool          `yaml:"find_free_port"`
	Database        string        `yaml:"database"`
	Registry        string        `yaml:"registry"`
	LogFile         string        `yaml:"log_file"` // empty = stderr
	LogLevel        string        `yaml:"log_level"`
	SentryDSN       string        `yaml:"sentry_dsn"`
	Env             string        `yaml:"env"`
	KillDelay       time.Duration `yaml:"kill_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OptionsConfig seeds the daemon option bitset.
type OptionsConfig struct {
	SaveFromClient  bool `yaml:"save_from_client"`
	BookmarkSession bool `yaml:"bookmark_session"`
	DesktopsMemory  bool `yaml:"desktops_memory"`
}

// ProxyConfig holds the supervisor timings.
type ProxyConfig struct {
	Grace          time.Duration `yaml:"grace"`
	OpenDelay      time.Duration `yaml:"open_delay"`
	SaveDebounce   time.Duration `yaml:"save_debounce"`
	WindowPoll     time.Duration `yaml:"window_poll"`
	WindowAttempts int           `yaml:"window_attempts"`
	WindowSettle   time.Duration `yaml:"window_settle"`
}

// ControllerConfig defines rayctl settings.
type ControllerConfig struct {
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`
	DaemonBinary    string        `yaml:"daemon_binary"`
}

// UIConfig defines the watch view.
type UIConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig returns a config with the standard timings.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/raysession")
	sv := supervisor.DefaultOptions()

	return &Config{
		Daemon: DaemonConfig{
			SessionRoot:     filepath.Join(homeDir, "Ray Sessions"),
			Database:        filepath.Join(dataDir, "history.db"),
			Registry:        filepath.Join(os.TempDir(), "RaySession", "multi-daemon.yaml"),
			LogLevel:        "info",
			Env:             "production",
			KillDelay:       10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Proxy: ProxyConfig{
			Grace:          sv.Grace,
			OpenDelay:      sv.OpenDelay,
			SaveDebounce:   sv.SaveDebounce,
			WindowPoll:     sv.Window.PollInterval,
			WindowAttempts: sv.Window.MaxAttempts,
			WindowSettle:   sv.Window.Settle,
		},
		Controller: ControllerConfig{
			AnnounceTimeout: announce.DefaultTimeout,
			DaemonBinary:    "ray-daemon",
		},
		UI: UIConfig{
			RefreshInterval: time.Second,
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath())
}

// LoadFile reads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.expandEnvVars()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigPath returns $RAY_CONFIG or ~/.config/raysession/daemon.yaml.
func DefaultConfigPath() string {
	if p := os.Getenv("RAY_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/raysession/daemon.yaml")
}

// DefaultControlURL is the unix socket a daemon listens on when no port or
// url is configured.
func DefaultControlURL() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return "unix://" + filepath.Join(dir, "raysession-"+strconv.Itoa(os.Getuid())+".sock")
}

// Validate rejects timings the supervisor cannot run with.
func (c *Config) Validate() error {
	p := c.Proxy
	for name, d := range map[string]time.Duration{
		"proxy.grace":         p.Grace,
		"proxy.open_delay":    p.OpenDelay,
		"proxy.save_debounce": p.SaveDebounce,
		"proxy.window_poll":   p.WindowPoll,
		"daemon.kill_delay":   c.Daemon.KillDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if p.WindowSettle < 0 {
		return fmt.Errorf("proxy.window_settle must not be negative, got %s", p.WindowSettle)
	}
	if p.WindowAttempts <= 0 {
		return fmt.Errorf("proxy.window_attempts must be positive, got %d", p.WindowAttempts)
	}
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port out of range: %d", c.Daemon.Port)
	}
	return nil
}

// SupervisorOptions converts the proxy timings.
func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		Grace:        c.Proxy.Grace,
		OpenDelay:    c.Proxy.OpenDelay,
		SaveDebounce: c.Proxy.SaveDebounce,
		Window: window.Options{
			PollInterval: c.Proxy.WindowPoll,
			MaxAttempts:  c.Proxy.WindowAttempts,
			Settle:       c.Proxy.WindowSettle,
		},
	}
}

// ServerOptions returns the option bitset seeded from config.
func (c *Config) ServerOptions() announce.Options {
	var o announce.Options
	if c.Options.SaveFromClient {
		o |= announce.SaveAllFromSavedClient
	}
	if c.Options.BookmarkSession {
		o |= announce.BookmarkSession
	}
	if c.Options.DesktopsMemory {
		o |= announce.DesktopsMemory
	}
	return o
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Daemon.SessionRoot = expandPath(c.Daemon.SessionRoot)
	c.Daemon.Database = expandPath(c.Daemon.Database)
	c.Daemon.Registry = expandPath(c.Daemon.Registry)
	c.Daemon.LogFile = expandPath(c.Daemon.LogFile)
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}
