// Package transport owns the duplex byte stream to a control socket.
//
// Writes from concurrent callers are serialized so frames never interleave.
// Descriptors for a new session travel after the NEW_SESSION frame, one per
// single-byte message carrying SCM_RIGHTS, which is how the master reads them.
// Reads accumulate bytes until the wire codec yields a complete frame.
package transport
