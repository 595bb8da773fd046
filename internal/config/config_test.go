package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"sshmux/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("XDG_STATE_HOME", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantControl := filepath.Join(tempHome, ".ssh", "sshmux")
	if cfg.Control.Dir != wantControl {
		t.Fatalf("unexpected control dir: got %q want %q", cfg.Control.Dir, wantControl)
	}
	wantDB := filepath.Join(tempHome, ".local", "state", "sshmux", "masters.db")
	if cfg.State.DBPath != wantDB {
		t.Fatalf("unexpected db path: got %q want %q", cfg.State.DBPath, wantDB)
	}
	if cfg.Control.PathTemplate != "%C" {
		t.Fatalf("unexpected path template: %q", cfg.Control.PathTemplate)
	}
	if cfg.SSH.KnownHosts != "add" {
		t.Fatalf("unexpected known_hosts policy: %q", cfg.SSH.KnownHosts)
	}
	if !cfg.Lifecycle.TerminateOnRelease {
		t.Fatal("expected terminate_on_release enabled by default")
	}
	if cfg.StartupTimeout().Seconds() != 30 {
		t.Fatalf("unexpected startup timeout: %v", cfg.StartupTimeout())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[control]
dir = "~/sockets"

[ssh]
known_hosts = "STRICT"
connect_timeout = 3
keyfile = "~/.ssh/id_test"

[lifecycle]
startup_timeout = 4
terminate_on_release = false

[logging]
format = "pretty"
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %q to be used, got %q exists=%v", path, resolved, exists)
	}
	if cfg.Control.Dir != filepath.Join(tempHome, "sockets") {
		t.Fatalf("unexpected control dir: %q", cfg.Control.Dir)
	}
	if cfg.SSH.KnownHosts != "strict" {
		t.Fatalf("expected known_hosts normalized to strict, got %q", cfg.SSH.KnownHosts)
	}
	if cfg.SSH.Keyfile != filepath.Join(tempHome, ".ssh", "id_test") {
		t.Fatalf("unexpected keyfile: %q", cfg.SSH.Keyfile)
	}
	if cfg.Lifecycle.TerminateOnRelease {
		t.Fatal("expected terminate_on_release disabled")
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging settings: %+v", cfg.Logging)
	}
	// Unset lifecycle knobs keep their defaults.
	if cfg.Lifecycle.InitialBackoffMS != config.Default().Lifecycle.InitialBackoffMS {
		t.Fatalf("unexpected initial backoff: %d", cfg.Lifecycle.InitialBackoffMS)
	}
}

func TestEnvOverridesControlDirAndLevel(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Setenv("SSHMUX_CONTROL_DIR", dir)
	t.Setenv("SSHMUX_LOG_LEVEL", "warn")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Control.Dir != dir {
		t.Fatalf("expected control dir from env, got %q", cfg.Control.Dir)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected log level from env, got %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := map[string]string{
		"known hosts":  "[ssh]\nknown_hosts = \"maybe\"\n",
		"startup":      "[lifecycle]\nstartup_timeout = -1\n",
		"backoff":      "[lifecycle]\ninitial_backoff_ms = 500\nmax_backoff_ms = 100\n",
		"frame":        "[protocol]\nmax_frame_bytes = 12\n",
		"log format":   "[logging]\nformat = \"xml\"\n",
		"unknown key":  "[control]\nsocket_dir = \"/tmp\"\n",
		"bad toml":     "[control\n",
		"bad multiply": "[lifecycle]\nbackoff_multiplier = 0.5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestCreateSampleParsesAndLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("sample is not valid toml: %v", err)
	}
	if !strings.Contains(string(data), "[lifecycle]") {
		t.Fatal("expected lifecycle section in sample")
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
}

func TestEnsureDirectoriesCreatesPrivateControlDir(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Control.Dir = filepath.Join(base, "control")
	cfg.State.DBPath = filepath.Join(base, "state", "masters.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	info, err := os.Stat(cfg.Control.Dir)
	if err != nil {
		t.Fatalf("stat control dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("expected private control dir, got %v", perm)
	}
	if _, err := os.Stat(filepath.Join(base, "state")); err != nil {
		t.Fatalf("expected state dir: %v", err)
	}
}
