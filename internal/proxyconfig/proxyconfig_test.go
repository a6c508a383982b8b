package proxyconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drewfead/raysession/internal/signals"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, "carla"), dir
}

func TestLoadMissingFile(t *testing.T) {
	st, _ := setupTestStore(t)

	cfg := st.Load()
	if cfg.Launchable {
		t.Fatal("expected missing file to be not launchable")
	}
	if !errors.Is(cfg.Problem, ErrNoFile) {
		t.Errorf("expected ErrNoFile, got %v", cfg.Problem)
	}
	if cfg.Executable != "carla" {
		t.Errorf("expected default executable 'carla', got '%s'", cfg.Executable)
	}
	if cfg.StopSignal != signals.SIGTERM {
		t.Errorf("expected default stop signal SIGTERM, got %v", cfg.StopSignal)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "AllFields",
			cfg: Config{
				Executable: "guitarix",
				ConfigFile: "$RAY_SESSION_NAME.gx",
				Arguments:  `-f "$CONFIG_FILE" --name 'my amp'`,
				SaveSignal: signals.SIGUSR1,
				StopSignal: signals.SIGINT,
				WaitWindow: true,
			},
		},
		{
			name: "NoSaveSignal",
			cfg: Config{
				Executable: "hydrogen",
				SaveSignal: signals.None,
				StopSignal: signals.SIGHUP,
			},
		},
		{
			name: "StopDisabled",
			cfg: Config{
				Executable: "qjackctl",
				SaveSignal: signals.SIGUSR2,
				StopSignal: signals.None,
			},
		},
		{
			name: "EmptyExecutable",
			cfg: Config{
				SaveSignal: signals.SIGINT,
				StopSignal: signals.SIGTERM,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := setupTestStore(t)

			cfg := tt.cfg
			saved, err := st.Save(&cfg)
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded := st.Load()

			for _, got := range []*Config{saved, loaded} {
				if got.Executable != tt.cfg.Executable {
					t.Errorf("expected executable '%s', got '%s'", tt.cfg.Executable, got.Executable)
				}
				if got.SaveSignal != tt.cfg.SaveSignal {
					t.Errorf("expected save signal %v, got %v", tt.cfg.SaveSignal, got.SaveSignal)
				}
				if got.StopSignal != tt.cfg.StopSignal {
					t.Errorf("expected stop signal %v, got %v", tt.cfg.StopSignal, got.StopSignal)
				}
				if got.Arguments != tt.cfg.Arguments {
					t.Errorf("expected arguments %q, got %q", tt.cfg.Arguments, got.Arguments)
				}
				if got.ConfigFile != tt.cfg.ConfigFile {
					t.Errorf("expected config file %q, got %q", tt.cfg.ConfigFile, got.ConfigFile)
				}
				if got.WaitWindow != tt.cfg.WaitWindow {
					t.Errorf("expected wait window %v, got %v", tt.cfg.WaitWindow, got.WaitWindow)
				}
			}

			if saved.Launchable != loaded.Launchable {
				t.Errorf("save reported launchable=%v but load reported %v", saved.Launchable, loaded.Launchable)
			}
			wantLaunchable := tt.cfg.Executable != ""
			if loaded.Launchable != wantLaunchable {
				t.Errorf("expected launchable=%v, got %v (problem: %v)", wantLaunchable, loaded.Launchable, loaded.Problem)
			}
		})
	}
}

func TestUnbalancedQuotesNotLaunchable(t *testing.T) {
	lines := []string{
		`"unterminated`,
		`'half`,
		`-f "$CONFIG_FILE`,
		`a b 'c d" e`,
		`trailing\`,
	}

	for _, line := range lines {
		if _, err := SplitArguments(line); err == nil {
			t.Errorf("SplitArguments(%q): expected error", line)
		}

		st, _ := setupTestStore(t)
		saved, err := st.Save(&Config{
			Executable: "/usr/bin/ardour",
			Arguments:  line,
			SaveSignal: signals.SIGUSR1,
			StopSignal: signals.SIGTERM,
			WaitWindow: true,
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if saved.Launchable {
			t.Errorf("arguments %q: expected not launchable", line)
		}
		if !errors.Is(saved.Problem, ErrArguments) {
			t.Errorf("arguments %q: expected ErrArguments, got %v", line, saved.Problem)
		}
	}
}

func TestSplitArguments(t *testing.T) {
	args, err := SplitArguments(`-c "my file.conf" --x='a b' plain`)
	if err != nil {
		t.Fatalf("SplitArguments failed: %v", err)
	}
	want := []string{"-c", "my file.conf", "--x=a b", "plain"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, args)
	}
}

func TestLoadSoftFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"WrongRoot", `<?xml version='1.0'?><NSM-PROXY executable="x"/>`, ErrWrongRoot},
		{"Garbled", `<RAY-PROXY executable="x"`, nil},
		{"Empty", ``, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, dir := setupTestStore(t)
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			cfg := st.Load()
			if cfg.Launchable {
				t.Fatal("expected not launchable")
			}
			if cfg.Problem == nil {
				t.Fatal("expected a recorded problem")
			}
			if tt.wantErr != nil && !errors.Is(cfg.Problem, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, cfg.Problem)
			}
		})
	}
}

func TestGarbledSignalsFallBack(t *testing.T) {
	st, dir := setupTestStore(t)
	doc := `<?xml version='1.0' encoding='UTF-8'?>
<!DOCTYPE RAY-PROXY>
<RAY-PROXY VERSION="0.8.0" executable="zynaddsubfx" arguments="" config_file="" save_signal="SIGBOGUS" stop_signal="12x" wait_window="yes"/>
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := st.Load()
	if !cfg.Launchable {
		t.Fatalf("expected launchable, problem: %v", cfg.Problem)
	}
	if cfg.SaveSignal != signals.None {
		t.Errorf("expected save signal None, got %v", cfg.SaveSignal)
	}
	if cfg.StopSignal != signals.SIGTERM {
		t.Errorf("expected stop signal SIGTERM, got %v", cfg.StopSignal)
	}
	if cfg.WaitWindow {
		t.Error("expected wait window false for unparsable value")
	}
}

func TestSaveWritesWellFormedDocument(t *testing.T) {
	st, _ := setupTestStore(t)
	if _, err := st.Save(&Config{Executable: `a "quoted" & <odd> name`, StopSignal: signals.SIGTERM}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "<!DOCTYPE RAY-PROXY>") {
		t.Error("expected doctype in document")
	}
	if !strings.Contains(text, `save_signal="0"`) {
		t.Errorf("expected absent save signal written as 0, got:\n%s", text)
	}

	if got := st.Load().Executable; got != `a "quoted" & <odd> name` {
		t.Errorf("expected escaped executable to survive, got %q", got)
	}
}

func TestExpandEnv(t *testing.T) {
	lookup := EnvLookup([]string{"CONFIG_FILE=/tmp/s/amp.gx", "EMPTY="})

	got := ExpandEnv(`-f "$CONFIG_FILE" ${EMPTY}x $UNKNOWN`, lookup)
	want := `-f "/tmp/s/amp.gx" x ${UNKNOWN}`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDefaultArguments(t *testing.T) {
	if got := DefaultArguments("amp.gx", ""); got != PlaceholderArguments {
		t.Errorf("expected placeholder, got %q", got)
	}
	if got := DefaultArguments("", PlaceholderArguments); got != "" {
		t.Errorf("expected placeholder removed, got %q", got)
	}
	if got := DefaultArguments("amp.gx", "-x"); got != "-x" {
		t.Errorf("expected explicit arguments kept, got %q", got)
	}
}
