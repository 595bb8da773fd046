package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateControl(); err != nil {
		return err
	}
	if err := c.validateSSH(); err != nil {
		return err
	}
	if err := c.validateLifecycle(); err != nil {
		return err
	}
	if err := c.validateProtocol(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateControl() error {
	if c.Control.Dir == "" {
		return errors.New("control.dir must be set")
	}
	return nil
}

func (c *Config) validateSSH() error {
	switch c.SSH.KnownHosts {
	case "strict", "add", "accept":
	default:
		return fmt.Errorf("ssh.known_hosts must be one of strict, add, accept (got %q)", c.SSH.KnownHosts)
	}
	if c.SSH.ConnectTimeout < 0 {
		return errors.New("ssh.connect_timeout must be non-negative")
	}
	if c.SSH.ServerAliveInterval < 0 {
		return errors.New("ssh.server_alive_interval must be non-negative")
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	if c.Lifecycle.StartupTimeout <= 0 {
		return errors.New("lifecycle.startup_timeout must be positive")
	}
	if c.Lifecycle.InitialBackoffMS <= 0 {
		return errors.New("lifecycle.initial_backoff_ms must be positive")
	}
	if c.Lifecycle.MaxBackoffMS < c.Lifecycle.InitialBackoffMS {
		return errors.New("lifecycle.max_backoff_ms must be >= lifecycle.initial_backoff_ms")
	}
	if c.Lifecycle.BackoffMultiplier < 1 {
		return errors.New("lifecycle.backoff_multiplier must be >= 1")
	}
	if c.Lifecycle.ShutdownTimeout < 0 {
		return errors.New("lifecycle.shutdown_timeout must be non-negative")
	}
	return nil
}

func (c *Config) validateProtocol() error {
	if c.Protocol.MaxFrameBytes < minFrameBytes || c.Protocol.MaxFrameBytes > maxFrameBytes {
		return fmt.Errorf("protocol.max_frame_bytes must be between %d and %d", minFrameBytes, maxFrameBytes)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format must be auto, console, or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
	return nil
}
