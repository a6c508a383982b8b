package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestInitWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Level: slog.LevelInfo, Component: "ray-daemon", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Info("client started", "client_id", "carla_01")
	Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=ray-daemon") {
		t.Errorf("expected component attribute, got %q", out)
	}
	if !strings.Contains(out, "client_id=carla_01") {
		t.Errorf("expected client_id attribute, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug record to be filtered, got %q", out)
	}
}
