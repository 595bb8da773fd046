// Package mux holds the error taxonomy shared by the control-socket protocol
// layers: the wire codec, the transport, the dispatcher, and the session and
// forward managers built on top of them.
//
// Callers classify failures with errors.Is against the sentinels declared
// here and use errors.As to recover detail (the peer's reason string, whether
// a protocol violation was fatal to the socket).
package mux
