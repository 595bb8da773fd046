// Package backend runs single remote commands for callers that only need an
// exit status.
//
// MuxRunner multiplexes over an existing control master. ProcessRunner
// spawns one ssh client per command against the same control socket and is
// the fallback when the mux protocol itself is unavailable. Both report a
// 127 status as session.ErrCommandNotFound.
package backend
