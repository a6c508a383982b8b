// Command ray-daemon serves one session root: it opens sessions, hosts the
// proxied clients and answers controllers on the control channel.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewfead/raysession/internal/config"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/daemon"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/version"
)

type options struct {
	sessionRoot  string
	controlURL   string
	port         int
	findFreePort bool
	session      string
	configPath   string
	debug        bool
	logLevel     string
}

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	var opts options
	cmd := &cobra.Command{
		Use:           "ray-daemon",
		Short:         "Session daemon for proxied audio clients",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.sessionRoot, "session-root", "r", "", "Directory holding the sessions")
	f.StringVar(&opts.controlURL, "control-url", "", "Control listener (unix:///path or tcp://host:port)")
	f.IntVarP(&opts.port, "osc-port", "p", 0, "Listen on this TCP port")
	f.BoolVar(&opts.findFreePort, "find-free-port", false, "Scan upward from --osc-port until a port is free")
	f.StringVarP(&opts.session, "session", "s", "", "Session to open at start")
	f.StringVar(&opts.configPath, "config", "", "Config file (default $RAY_CONFIG or ~/.config/raysession/daemon.yaml)")
	f.BoolVarP(&opts.debug, "debug", "d", false, "Debug logging")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ray-daemon: %v\n", err)
		return 1
	}
	return 0
}

func serve(cmd *cobra.Command, opts options) error {
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if opts.sessionRoot != "" {
		cfg.Daemon.SessionRoot = opts.sessionRoot
	}
	if opts.controlURL != "" {
		if _, err := control.ParseURL(opts.controlURL); err != nil {
			return err
		}
		cfg.Daemon.ControlURL = opts.controlURL
	}
	if flags.Changed("osc-port") {
		cfg.Daemon.Port = opts.port
		cfg.Daemon.ControlURL = ""
	}
	if flags.Changed("find-free-port") {
		cfg.Daemon.FindFreePort = opts.findFreePort
	}
	if opts.logLevel != "" {
		cfg.Daemon.LogLevel = opts.logLevel
	}
	if opts.debug {
		cfg.Daemon.LogLevel = "debug"
	}

	if err := logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Daemon.LogLevel),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(cfg),
		Version:   version.Version,
		Component: "ray-daemon",
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	logging.Info("starting ray-daemon",
		"version", version.Version,
		"root", cfg.Daemon.SessionRoot,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := d.Start(); err != nil {
		if errors.Is(err, daemon.ErrRootNotDir) {
			logging.Error("invalid session root", "root", cfg.Daemon.SessionRoot, "error", err)
		}
		return err
	}

	fmt.Printf("URL: %s\n", d.URL())
	fmt.Printf("ROOT: %s\n", d.Root())

	if opts.session != "" {
		if err := d.OpenSession(opts.session); err != nil {
			logging.Error("failed to open session", "session", opts.session, "error", err)
		}
	}

	return d.Serve()
}

func getEnv(cfg *config.Config) string {
	if env := os.Getenv("RAY_ENV"); env != "" {
		return env
	}
	if cfg.Daemon.Env != "" {
		return cfg.Daemon.Env
	}
	return "development"
}
