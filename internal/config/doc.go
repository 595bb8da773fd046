// Package config loads, normalizes, and validates sshmux configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SSHMUX_CONTROL_DIR. The Config type centralizes every knob the master
// lifecycle, the ssh launcher, and the CLI need so control sockets, timeouts,
// and log settings are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
