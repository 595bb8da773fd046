package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"sshmux/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Control sockets live under a short directory so paths stay within the
// unix socket length limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := ShortTempDir(t)
	cfgVal := config.Default()
	cfgVal.Control.Dir = filepath.Join(base, "c")
	cfgVal.State.DBPath = filepath.Join(base, "state", "masters.db")
	cfgVal.Lifecycle.StartupTimeout = 5
	cfgVal.Lifecycle.InitialBackoffMS = 5
	cfgVal.Lifecycle.MaxBackoffMS = 50
	cfgVal.Lifecycle.ShutdownTimeout = 2
	cfgVal.Logging.Format = "json"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStartupTimeout overrides how long the lifecycle manager polls for a socket.
func WithStartupTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lifecycle.StartupTimeout = seconds
	}
}

// WithTerminateOnRelease toggles teardown of launched masters.
func WithTerminateOnRelease(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lifecycle.TerminateOnRelease = enabled
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. Each stub runs script (a /bin/sh body).
func WithStubbedBinaries(script string, names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ssh"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		body := []byte("#!/bin/sh\n" + script + "\n")
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(binDir, name), body, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Control.Dir)
}

// ShortTempDir returns a fresh directory under the system temp root with a
// short name, removed at cleanup.
func ShortTempDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sm")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}
