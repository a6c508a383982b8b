package signals

import (
	"strconv"
	"syscall"
	"testing"
)

func TestDecodeSave(t *testing.T) {
	tests := []struct {
		raw  string
		want Signal
	}{
		{"", None},
		{"0", None},
		{"None", None},
		{"SIGUSR1", SIGUSR1},
		{"usr2", SIGUSR2},
		{"SIGINT", SIGINT},
		{strconv.Itoa(int(syscall.SIGUSR1)), SIGUSR1},
		{"SIGTERM", None}, // not a save signal
		{"SIGKILL", None},
		{"garbage", None},
		{"99999", None},
	}

	for _, tt := range tests {
		if got := DecodeSave(tt.raw); got != tt.want {
			t.Errorf("DecodeSave(%q): expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestDecodeStop(t *testing.T) {
	tests := []struct {
		raw  string
		want Signal
	}{
		{"", SIGTERM},
		{"SIGTERM", SIGTERM},
		{strconv.Itoa(int(syscall.SIGTERM)), SIGTERM},
		{"SIGHUP", SIGHUP},
		{"int", SIGINT},
		{"None", None},
		{"0", None},
		{"SIGUSR1", SIGTERM}, // not a stop signal
		{"not-a-signal", SIGTERM},
	}

	for _, tt := range tests {
		if got := DecodeStop(tt.raw); got != tt.want {
			t.Errorf("DecodeStop(%q): expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, sig := range SaveSignals {
		if got := DecodeSave(sig.Encode()); got != sig {
			t.Errorf("save %v: round trip gave %v", sig, got)
		}
	}
	for _, sig := range append([]Signal{None}, StopSignals...) {
		if got := DecodeStop(sig.Encode()); got != sig {
			t.Errorf("stop %v: round trip gave %v", sig, got)
		}
	}
}

func TestOS(t *testing.T) {
	if _, ok := None.OS(); ok {
		t.Error("expected None to have no OS signal")
	}
	sig, ok := SIGTERM.OS()
	if !ok || sig != syscall.SIGTERM {
		t.Errorf("expected SIGTERM, got %v (ok=%v)", sig, ok)
	}
	if SIGHUP.String() != "SIGHUP" {
		t.Errorf("expected name SIGHUP, got %q", SIGHUP.String())
	}
	if None.String() != "None" {
		t.Errorf("expected name None, got %q", None.String())
	}
}

func TestIn(t *testing.T) {
	if !SIGINT.In(SaveSignals) || !SIGINT.In(StopSignals) {
		t.Error("expected SIGINT in both domains")
	}
	if SIGUSR1.In(StopSignals) {
		t.Error("expected SIGUSR1 outside the stop domain")
	}
	if !None.In(SaveSignals) || None.In(StopSignals) {
		t.Error("expected None only in the save domain")
	}
}
