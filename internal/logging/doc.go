// Package logging assembles structured slog loggers and formatting helpers used
// across sshmux.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so protocol code can tag log
// lines with the control socket, target, request id, and correlation id. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
//
// Prefer these constructors over hand-rolled slog setup to ensure new
// components emit data with the same shape as the rest of the system.
package logging
