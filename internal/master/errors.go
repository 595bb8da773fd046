package master

import (
	"errors"
	"strings"
)

// ErrConnect reports that ssh could not establish the master connection.
var ErrConnect = errors.New("ssh master connection failed")

// ConnectKind classifies why ssh failed to connect.
type ConnectKind string

const (
	KindPermissionDenied  ConnectKind = "permission_denied"
	KindConnectionRefused ConnectKind = "connection_refused"
	KindTimedOut          ConnectKind = "timed_out"
	KindUnresolved        ConnectKind = "unresolved"
	KindOther             ConnectKind = "other"
)

// ConnectError carries ssh's own diagnostic for a failed launch.
type ConnectError struct {
	Kind    ConnectKind
	Message string
}

func (e *ConnectError) Error() string {
	if e.Message == "" {
		return "ssh: " + string(e.Kind)
	}
	return "ssh: " + e.Message
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// InterpretSSHError classifies the first diagnostic line ssh wrote to its
// log, formatted "ssh: <context>: <reason>". known_hosts warnings are skipped.
func InterpretSSHError(output string) *ConnectError {
	var text string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Warning: Permanently added ") {
			continue
		}
		text = strings.TrimPrefix(line, "ssh: ")
		break
	}

	kind := KindOther
	context, reason, _ := strings.Cut(text, ": ")
	switch {
	case strings.HasPrefix(context, "Could not resolve"):
		kind = KindUnresolved
	case reason == "Connection refused":
		kind = KindConnectionRefused
	case strings.HasPrefix(context, "connect to host") &&
		(reason == "Connection timed out" || reason == "Operation timed out"):
		kind = KindTimedOut
	case strings.HasPrefix(context, "connect to host") && reason == "Permission denied":
		// macOS reports an unreachable network this way.
		kind = KindOther
	case strings.Contains(reason, "Permission denied ("):
		kind = KindPermissionDenied
	}
	return &ConnectError{Kind: kind, Message: text}
}
