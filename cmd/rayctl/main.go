// Command rayctl announces itself to a ray-daemon and drives its session
// and clients from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/cli"
	"github.com/drewfead/raysession/internal/config"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/executil"
	"github.com/drewfead/raysession/internal/logging"
	"github.com/drewfead/raysession/internal/version"
)

var (
	cfg *config.Config

	flagURL         string
	flagSessionRoot string
	flagRequireOff  bool
	flagUnderNSM    bool
	flagNetworked   bool
	flagSpawn       bool
	flagDebug       bool
)

// spawnWait bounds how long a spawned daemon gets to start listening.
const spawnWait = 5 * time.Second

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.RedText("Error: "+err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rayctl",
	Short:   "Control a ray-daemon session",
	Version: version.Version,
	Long: `rayctl - terminal controller for ray-daemon.

Every command first announces to the daemon and checks that it is
compatible: same release, the expected session root, a free root for
network daemons, and optionally no open session.

Examples:
  rayctl open live-set                       # Open a session
  rayctl add-proxy guitarix --start          # Add and start a client
  rayctl clients                             # List clients
  rayctl save guitarix                       # Ask a client to save
  rayctl watch                               # Live view`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.ParseLevel("warn")
		if flagDebug {
			level = logging.ParseLevel("debug")
		}
		return logging.Init(logging.Config{
			Level:     level,
			Version:   version.Version,
			Component: "rayctl",
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagURL, "url", "", "Daemon control URL (default $RAY_CONTROL_URL or the per-user socket)")
	pf.StringVar(&flagSessionRoot, "session-root", "", "Require the daemon to serve this session root")
	pf.BoolVar(&flagRequireOff, "require-off", false, "Require the daemon to have no open session")
	pf.BoolVar(&flagUnderNSM, "under-nsm", false, "Lock the daemon for a session manager. The lock is held only while this connection lasts, so only watch keeps it")
	pf.BoolVar(&flagNetworked, "networked", false, "Require no other network daemon on the same root")
	pf.BoolVar(&flagSpawn, "spawn", false, "Start a daemon when none answers")
	pf.BoolVarP(&flagDebug, "debug", "d", false, "Debug logging")

	registerCommands()
}

func controlURL() (url string, explicit bool) {
	if flagURL != "" {
		return flagURL, true
	}
	if env := os.Getenv("RAY_CONTROL_URL"); env != "" {
		return env, true
	}
	if cfg.Daemon.ControlURL != "" {
		return cfg.Daemon.ControlURL, false
	}
	return config.DefaultControlURL(), false
}

// connect dials the daemon and performs the announce handshake, spawning a
// daemon first when allowed and nothing answers.
func connect(ctx context.Context) (*control.Client, *announce.Result, error) {
	url, explicit := controlURL()
	hello := announce.Hello{Version: version.Version, Name: "rayctl", PID: os.Getpid()}
	exp := announce.Expectation{
		SessionRoot: flagSessionRoot,
		Networked:   flagNetworked,
		RequireOff:  flagRequireOff,
		UnderNSM:    flagUnderNSM,
	}

	c, res := announceTo(ctx, url, explicit, hello, exp)
	if res.ShouldRelaunch() && flagSpawn {
		if err := spawnDaemon(url); err != nil {
			return nil, nil, fmt.Errorf("start daemon: %w", err)
		}
		c, res = waitForDaemon(ctx, url, hello, exp)
	}

	if !res.OK() {
		if c != nil {
			c.Close()
		}
		msg := res.Message()
		if res.Err != nil && res.Status == announce.NoResponse {
			msg += ": " + res.Err.Error()
		}
		return nil, &res, errors.New(msg)
	}
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, cli.GrayText("warning: "+res.Err.Error()))
	}
	return c, &res, nil
}

func announceTo(ctx context.Context, url string, explicit bool, hello announce.Hello, exp announce.Expectation) (*control.Client, announce.Result) {
	c, err := control.Dial(url, cfg.Controller.AnnounceTimeout)
	if err != nil {
		return nil, announce.Result{Status: announce.NoResponse, ContactedBefore: explicit, Err: err}
	}
	req := announce.NewRequester(c, hello, exp, cfg.Controller.AnnounceTimeout)
	if explicit {
		req.MarkContacted()
	}
	res := req.Announce(ctx)
	if !res.OK() {
		c.Close()
		return nil, res
	}
	return c, res
}

func waitForDaemon(ctx context.Context, url string, hello announce.Hello, exp announce.Expectation) (*control.Client, announce.Result) {
	deadline := time.Now().Add(spawnWait)
	for {
		c, res := announceTo(ctx, url, true, hello, exp)
		if res.Status != announce.NoResponse || time.Now().After(deadline) {
			return c, res
		}
		select {
		case <-ctx.Done():
			return nil, announce.Result{Status: announce.NoResponse, ContactedBefore: true, Err: ctx.Err()}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// spawnDaemon starts a detached ray-daemon listening on url.
func spawnDaemon(url string) error {
	path, err := executil.Lookup(cfg.Controller.DaemonBinary)
	if err != nil {
		return err
	}
	args := []string{"--control-url", url}
	if flagSessionRoot != "" {
		args = append(args, "--session-root", flagSessionRoot)
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	logging.Info("spawned daemon", "pid", cmd.Process.Pid, "url", url)
	return cmd.Process.Release()
}

// withClient connects, runs fn and disconnects.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Disannounce(context.Background())
		c.Close()
	}()
	return fn(ctx, c)
}
