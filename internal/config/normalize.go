package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeControl(); err != nil {
		return err
	}
	if err := c.normalizeSSH(); err != nil {
		return err
	}
	c.normalizeLifecycle()
	if c.Protocol.MaxFrameBytes == 0 {
		c.Protocol.MaxFrameBytes = defaultMaxFrameBytes
	}
	c.normalizeLogging()
	return c.normalizeState()
}

func (c *Config) normalizeControl() error {
	if value, ok := os.LookupEnv("SSHMUX_CONTROL_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Control.Dir = value
	}
	if strings.TrimSpace(c.Control.Dir) == "" {
		c.Control.Dir = defaultControlDir
	}
	var err error
	if c.Control.Dir, err = expandPath(c.Control.Dir); err != nil {
		return fmt.Errorf("control.dir: %w", err)
	}
	c.Control.PathTemplate = strings.TrimSpace(c.Control.PathTemplate)
	if c.Control.PathTemplate == "" {
		c.Control.PathTemplate = defaultPathTemplate
	}
	c.Control.Persist = strings.TrimSpace(c.Control.Persist)
	if c.Control.Persist == "" {
		c.Control.Persist = defaultControlPersist
	}
	return nil
}

func (c *Config) normalizeSSH() error {
	c.SSH.Binary = strings.TrimSpace(c.SSH.Binary)
	if c.SSH.Binary == "" {
		c.SSH.Binary = defaultSSHBinary
	}
	c.SSH.KnownHosts = strings.ToLower(strings.TrimSpace(c.SSH.KnownHosts))
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = defaultKnownHosts
	}
	var err error
	if c.SSH.Keyfile, err = expandPath(strings.TrimSpace(c.SSH.Keyfile)); err != nil {
		return fmt.Errorf("ssh.keyfile: %w", err)
	}
	if c.SSH.ConfigFile, err = expandPath(strings.TrimSpace(c.SSH.ConfigFile)); err != nil {
		return fmt.Errorf("ssh.config_file: %w", err)
	}
	if c.SSH.UserKnownHostsFile, err = expandPath(strings.TrimSpace(c.SSH.UserKnownHostsFile)); err != nil {
		return fmt.Errorf("ssh.user_known_hosts_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeLifecycle() {
	if c.Lifecycle.InitialBackoffMS == 0 {
		c.Lifecycle.InitialBackoffMS = defaultInitialBackoffMS
	}
	if c.Lifecycle.MaxBackoffMS == 0 {
		c.Lifecycle.MaxBackoffMS = defaultMaxBackoffMS
	}
	if c.Lifecycle.BackoffMultiplier == 0 {
		c.Lifecycle.BackoffMultiplier = defaultBackoffMultiplier
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("SSHMUX_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "auto":
		c.Logging.Format = defaultLogFormat
	case "text", "pretty":
		c.Logging.Format = "console"
	default:
		c.Logging.Format = format
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeState() error {
	if strings.TrimSpace(c.State.DBPath) == "" {
		c.State.DBPath = defaultStateDBPath()
	}
	var err error
	if c.State.DBPath, err = expandPath(c.State.DBPath); err != nil {
		return fmt.Errorf("state.db_path: %w", err)
	}
	return nil
}
