package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
)

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		name string
		info control.ClientInfo
		want string
	}{
		{"Ready", control.ClientInfo{Status: client.Ready, Launchable: true}, "ready"},
		{"Saving", control.ClientInfo{Status: client.Ready, Saving: true, Launchable: true}, "ready (saving)"},
		{"EarlyExit", control.ClientInfo{Status: client.Stopped, EarlyExit: true, Launchable: true}, "failed"},
		{"NotLaunchable", control.ClientInfo{Status: client.Stopped}, "stopped (not launchable)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusLabel(tt.info); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestActionList(t *testing.T) {
	if got := ActionList(client.Actions{Start: true, Remove: true}); got != "start,remove" {
		t.Errorf("expected start,remove, got %q", got)
	}
	if got := ActionList(client.Actions{}); got != "-" {
		t.Errorf("expected -, got %q", got)
	}
}

func TestWriteClients(t *testing.T) {
	ForceColors(false)
	now := time.Now()
	started := now.Add(-90 * time.Second)

	var buf bytes.Buffer
	WriteClients(&buf, []*control.ClientInfo{
		{ID: "carla", Status: client.Ready, Launchable: true, PID: 4242, StartedAt: &started, Actions: client.Actions{Stop: true, Save: true}},
		{ID: "hydrogen", Status: client.Stopped, Problem: "no executable"},
	}, now)

	out := buf.String()
	for _, want := range []string{"carla", "4242", "1m30s", "stop,save", "hydrogen", "no executable"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
