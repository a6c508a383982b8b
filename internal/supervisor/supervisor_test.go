package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/drewfead/raysession/internal/proxyconfig"
	"github.com/drewfead/raysession/internal/sched"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/window"
)

type noWindows struct{}

func (noWindows) WindowPIDs(ctx context.Context) ([]int, error)       { return nil, nil }
func (noWindows) ParentPID(ctx context.Context, pid int) (int, error) { return 1, nil }

type testSupervisor struct {
	loop   *sched.Loop
	sup    *Supervisor
	events chan Event
}

func setupTestSupervisor(t *testing.T, opts Options) *testSupervisor {
	t.Helper()
	loop := sched.NewLoop("supervisor-test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	ts := &testSupervisor{loop: loop, events: make(chan Event, 32)}
	ts.sup = New("test_client", loop, noWindows{}, opts, func(ev Event) {
		ts.events <- ev
	})
	t.Cleanup(func() {
		ts.do(t, func() { ts.sup.Kill() })
		cancel()
	})
	return ts
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.OpenDelay = 20 * time.Millisecond
	opts.Window = window.Options{PollInterval: 5 * time.Millisecond, MaxAttempts: 3}
	return opts
}

func (ts *testSupervisor) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop call failed: %v", err)
	}
}

func (ts *testSupervisor) start(t *testing.T, cfg *proxyconfig.Config, env Env) {
	t.Helper()
	var err error
	ts.do(t, func() { err = ts.sup.Start(cfg, env) })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (ts *testSupervisor) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ts.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func launchable(executable, arguments string) *proxyconfig.Config {
	cfg := proxyconfig.Default(executable)
	cfg.Arguments = arguments
	cfg.Launchable = true
	return cfg
}

func TestEarlyExitIsTagged(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("/bin/false", ""), Env{ClientID: "false_1"})

	ts.waitFor(t, Started)
	ev := ts.waitFor(t, ExitedEvent)
	if !ev.Early {
		t.Error("expected early exit to be tagged")
	}
	if ev.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", ev.ExitCode)
	}
	ts.do(t, func() {
		if ts.sup.State() != Exited {
			t.Errorf("expected state exited, got %s", ts.sup.State())
		}
	})
}

func TestStopIsNotEarlyExit(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("sleep", "30"), Env{ClientID: "sleep_1"})

	started := ts.waitFor(t, Started)
	if started.PID <= 0 {
		t.Fatalf("expected a pid, got %d", started.PID)
	}
	ts.waitFor(t, OpenReply)

	ts.do(t, func() {
		ts.sup.Stop(signals.SIGTERM)
		if ts.sup.State() != Stopping {
			t.Errorf("expected state stopping, got %s", ts.sup.State())
		}
	})

	ev := ts.waitFor(t, ExitedEvent)
	if ev.Early {
		t.Error("expected stopped process not to be tagged early")
	}
	if ev.PID != started.PID {
		t.Errorf("expected exit for pid %d, got %d", started.PID, ev.PID)
	}
}

func TestSaveWithoutSignalIsAcknowledged(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("sleep", "30"), Env{ClientID: "sleep_2"})
	ts.waitFor(t, Started)

	begin := time.Now()
	ts.do(t, func() { ts.sup.Save(signals.None) })
	ts.waitFor(t, SaveReply)

	if elapsed := time.Since(begin); elapsed < 250*time.Millisecond {
		t.Errorf("expected save reply after debounce, got it after %v", elapsed)
	}
}

func TestOpenReplyWithoutWindowDetection(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	cfg := launchable("sleep", "30")
	cfg.WaitWindow = true
	ts.start(t, cfg, Env{ClientID: "sleep_3"})

	ev := ts.waitFor(t, OpenReply)
	if ev.Window {
		t.Error("expected no window to be reported")
	}
}

func TestMissingExecutableFailsLaunch(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("/nonexistent/ray-client-9931", ""), Env{ClientID: "ghost"})

	ev := ts.waitFor(t, LaunchFailed)
	if ev.Err == nil {
		t.Error("expected launch error")
	}
}

func TestStartRejectsUnlaunchable(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	cfg := proxyconfig.Default("")

	var err error
	ts.do(t, func() { err = ts.sup.Start(cfg, Env{}) })
	if !errors.Is(err, ErrNotLaunchable) {
		t.Errorf("expected ErrNotLaunchable, got %v", err)
	}

	ts.do(t, func() { err = ts.sup.Start(launchable("sh", `-c "unterminated`), Env{}) })
	if !errors.Is(err, ErrNotLaunchable) {
		t.Errorf("expected ErrNotLaunchable for bad quoting, got %v", err)
	}
}

func TestRequestsQueuedWhileStarting(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())

	ts.do(t, func() {
		if err := ts.sup.Start(launchable("sleep", "30"), Env{ClientID: "sleep_4"}); err != nil {
			t.Errorf("Start failed: %v", err)
			return
		}
		ts.sup.Stop(signals.SIGTERM)
		if ts.sup.State() != Starting {
			t.Errorf("expected stop to be queued while starting, got %s", ts.sup.State())
		}
	})

	ts.waitFor(t, Started)
	ev := ts.waitFor(t, ExitedEvent)
	if ev.Early {
		t.Error("expected queued stop to count as requested")
	}
}

func TestStopNoneIsNoop(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("sleep", "30"), Env{ClientID: "sleep_5"})
	ts.waitFor(t, Started)

	ts.do(t, func() {
		ts.sup.Stop(signals.None)
		if ts.sup.State() != Running {
			t.Errorf("expected still running, got %s", ts.sup.State())
		}
		if !ts.sup.Kill() {
			t.Error("expected kill to find a live process")
		}
	})
	ev := ts.waitFor(t, ExitedEvent)
	if ev.ExitCode != 128+9 {
		t.Errorf("expected SIGKILL exit code, got %d", ev.ExitCode)
	}
}

func TestChildEnvironment(t *testing.T) {
	t.Setenv("NSM_URL", "osc.udp://localhost:9999/")
	t.Setenv("RAY_CONTROL_URL", "unix:///tmp/ray.sock")

	dir := t.TempDir()
	script := filepath.Join(dir, "dump-env.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nenv > env.out\n"), 0755); err != nil {
		t.Fatal(err)
	}

	ts := setupTestSupervisor(t, fastOptions())
	cfg := launchable(script, "")
	cfg.ConfigFile = "$RAY_SESSION_NAME.conf"
	ts.start(t, cfg, Env{ClientID: "dump_1", SessionName: "live-set", Dir: dir})
	ts.waitFor(t, ExitedEvent)

	data, err := os.ReadFile(filepath.Join(dir, "env.out"))
	if err != nil {
		t.Fatal(err)
	}
	env := string(data)
	for _, want := range []string{"NSM_CLIENT_ID=dump_1", "RAY_SESSION_NAME=live-set", "CONFIG_FILE=live-set.conf"} {
		if !strings.Contains(env, want+"\n") {
			t.Errorf("expected %s in child environment", want)
		}
	}
	for _, unwanted := range []string{"NSM_URL=", "RAY_CONTROL_URL="} {
		if strings.Contains(env, "\n"+unwanted) || strings.HasPrefix(env, unwanted) {
			t.Errorf("expected %s to be removed from child environment", unwanted)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	env := BuildEnv([]string{"HOME=/home/u", "NSM_CLIENT_ID=stale"}, Env{ClientID: "amp_1", SessionName: "s"}, "/tmp/s/my amp.gx")

	args, err := BuildArgs(`-f "$CONFIG_FILE" --id $NSM_CLIENT_ID`, env)
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	want := []string{"-f", "/tmp/s/my amp.gx", "--id", "amp_1"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, args)
	}

	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "NSM_CLIENT_ID=") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one NSM_CLIENT_ID, got %d", count)
	}
}

func TestKillSkipsReapedProcess(t *testing.T) {
	ts := setupTestSupervisor(t, fastOptions())
	ts.start(t, launchable("sleep", "30"), Env{ClientID: "sleep_6"})
	started := ts.waitFor(t, Started)

	// Hold the loop so the exit cannot be delivered before Kill runs.
	ts.do(t, func() {
		if err := syscall.Kill(started.PID, syscall.SIGKILL); err != nil {
			t.Errorf("external kill failed: %v", err)
			return
		}
		deadline := time.Now().Add(3 * time.Second)
		for !ts.sup.reaped.Load() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if !ts.sup.reaped.Load() {
			t.Error("process was never reaped")
			return
		}
		if ts.sup.State() != Running {
			t.Errorf("expected state still running before exit delivery, got %s", ts.sup.State())
		}
		if ts.sup.Kill() {
			t.Error("expected kill to refuse a reaped process")
		}
	})
	ts.waitFor(t, ExitedEvent)
}
