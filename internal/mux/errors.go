package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost reports that the control socket closed or failed. It
	// is fatal to every outstanding and future operation on that socket.
	ErrConnectionLost = errors.New("mux: connection lost")
	// ErrPermissionDenied reports that the master refused a request.
	ErrPermissionDenied = errors.New("mux: permission denied")
	// ErrRemoteFailure reports a per-request failure returned by the master.
	ErrRemoteFailure = errors.New("mux: remote failure")
	// ErrProtocolViolation reports a malformed or unexpected frame.
	ErrProtocolViolation = errors.New("mux: protocol violation")
	// ErrStartupTimeout reports that a launched master never became ready.
	ErrStartupTimeout = errors.New("mux: master startup timed out")
	// ErrResourceExhausted reports that no request id is free.
	ErrResourceExhausted = errors.New("mux: request id space exhausted")
	// ErrVersionMismatch reports an unsupported protocol version in HELLO.
	ErrVersionMismatch = errors.New("mux: protocol version mismatch")
	// ErrClosed reports use of a dispatcher or manager after Close.
	ErrClosed = errors.New("mux: closed")
)

// RemoteError carries the reason string of a FAILURE response.
type RemoteError struct {
	Op     string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: remote failure", e.Op)
	}
	return fmt.Sprintf("%s: remote failure: %s", e.Op, e.Reason)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteFailure }

// DeniedError carries the reason string of a PERMISSION_DENIED response.
type DeniedError struct {
	Op     string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: permission denied", e.Op)
	}
	return fmt.Sprintf("%s: permission denied: %s", e.Op, e.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// ProtocolError describes a frame the codec or dispatcher could not accept.
// Fatal errors mean the byte stream can no longer be trusted.
type ProtocolError struct {
	Reason string
	Fatal  bool
}

func (e *ProtocolError) Error() string {
	if e.Fatal {
		return "mux: fatal protocol violation: " + e.Reason
	}
	return "mux: protocol violation: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

// Violation builds a non-fatal ProtocolError.
func Violation(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// FatalViolation builds a ProtocolError that poisons the stream.
func FatalViolation(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Fatal: true}
}

// IsFatal reports whether err is a fatal protocol violation or a lost connection.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Fatal
}
