// Package state persists the masters sshmux has launched.
//
// The registry lets `sshmux masters` list control sockets across processes
// and lets the lifecycle manager tell masters it started from ones it merely
// attached to. It is bookkeeping only; the control socket itself is always
// the source of truth for liveness.
package state
