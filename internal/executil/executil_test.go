package executil

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLookupFindsShell(t *testing.T) {
	path, err := Lookup("sh")
	if err != nil {
		t.Fatalf("Lookup(sh) failed: %v", err)
	}
	if !strings.HasSuffix(path, "/sh") {
		t.Errorf("expected path ending in /sh, got %s", path)
	}
}

func TestLookupMissing(t *testing.T) {
	_, err := Lookup("definitely-not-a-real-tool-4471")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := Lookup(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty name, got %v", err)
	}
}

func TestOutput(t *testing.T) {
	out, err := Output(context.Background(), "sh", "-c", "echo ok")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "ok" {
		t.Errorf("expected 'ok', got %q", out)
	}
}

func TestSafeEnvHasSinglePath(t *testing.T) {
	count := 0
	for _, kv := range SafeEnv() {
		if strings.HasPrefix(kv, "PATH=") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one PATH entry, got %d", count)
	}
}
