package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Control describes where control sockets live and how they are named.
type Control struct {
	Dir          string `toml:"dir"`
	PathTemplate string `toml:"path_template"`
	// Persist is passed to ssh as ControlPersist. "yes" keeps the master
	// alive until an explicit exit request.
	Persist string `toml:"persist"`
}

// SSH contains the options handed to the ssh binary when launching a master.
type SSH struct {
	Binary              string `toml:"binary"`
	KnownHosts          string `toml:"known_hosts"`
	ConnectTimeout      int    `toml:"connect_timeout"`
	ServerAliveInterval int    `toml:"server_alive_interval"`
	Keyfile             string `toml:"keyfile"`
	ConfigFile          string `toml:"config_file"`
	Compression         bool   `toml:"compression"`
	UserKnownHostsFile  string `toml:"user_known_hosts_file"`
}

// Lifecycle controls master startup polling and teardown.
type Lifecycle struct {
	StartupTimeout     int     `toml:"startup_timeout"`
	InitialBackoffMS   int     `toml:"initial_backoff_ms"`
	MaxBackoffMS       int     `toml:"max_backoff_ms"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	TerminateOnRelease bool    `toml:"terminate_on_release"`
	ShutdownTimeout    int     `toml:"shutdown_timeout"`
}

// Protocol bounds the mux wire protocol.
type Protocol struct {
	MaxFrameBytes int `toml:"max_frame_bytes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// State locates the registry of masters launched by this tool.
type State struct {
	DBPath string `toml:"db_path"`
}

// Config encapsulates all configuration values for sshmux.
//
// Configuration sections by subsystem:
//   - Control: control socket directory and naming template
//   - SSH: options for the ssh binary that runs the master connection
//   - Lifecycle: startup polling, backoff, and teardown behaviour
//   - Protocol: wire protocol limits
//   - Logging: log format and level
//   - State: sqlite registry of launched masters
type Config struct {
	Control   Control   `toml:"control"`
	SSH       SSH       `toml:"ssh"`
	Lifecycle Lifecycle `toml:"lifecycle"`
	Protocol  Protocol  `toml:"protocol"`
	Logging   Logging   `toml:"logging"`
	State     State     `toml:"state"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sshmux.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the control socket directory (private to the
// user, ssh refuses group-writable control paths) and the state directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Control.Dir, 0o700); err != nil {
		return fmt.Errorf("create control directory %q: %w", c.Control.Dir, err)
	}
	if dir := filepath.Dir(c.State.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory %q: %w", dir, err)
		}
	}
	return nil
}

// StartupTimeout returns the master startup deadline.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Lifecycle.StartupTimeout) * time.Second
}

// ShutdownTimeout returns how long Release waits for a terminated master to exit.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Lifecycle.ShutdownTimeout) * time.Second
}

// InitialBackoff returns the first socket poll delay.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Lifecycle.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the cap on socket poll delays.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Lifecycle.MaxBackoffMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultStateDBPath() string {
	if base, ok := os.LookupEnv("XDG_STATE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "sshmux", "masters.db")
	}
	return "~/.local/state/sshmux/masters.db"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
