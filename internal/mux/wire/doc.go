// Package wire encodes and decodes control-master multiplexing frames.
//
// A frame is a 4-byte big-endian length covering the rest of the frame, a
// 4-byte message type, and a type-specific body. Strings are a 4-byte length
// followed by raw bytes; booleans are 4-byte integers. The layout matches the
// OpenSSH ControlMaster protocol byte for byte, since the peer is a stock ssh
// process.
//
// Decode never blocks. It reports ErrIncomplete until a whole frame is
// buffered, so the transport can keep reading and retry.
package wire
