package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"sshmux/internal/mux/dispatch"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateRequested State = iota
	StateOpened
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateOpened:
		return "opened"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrDropped is returned by Wait after Drop when no exit was observed.
	ErrDropped = errors.New("session dropped")
	// ErrCommandNotFound reports a remote exit status of 127.
	ErrCommandNotFound = errors.New("remote command not found")
)

// Key identifies a session without holding its control connection.
type Key struct {
	Socket string
	ID     uint32
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Socket, k.ID) }

// Session is a running remote command.
type Session struct {
	key    Key
	detach func(uint32)

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	mu      sync.Mutex
	state   State
	code    int
	err     error
	noTTY   bool
	exited  chan struct{}
	dropped chan struct{}
	drop    sync.Once
}

func newSession(key Key, detach func(uint32), exitc <-chan dispatch.Exit, locals [3]*os.File) *Session {
	s := &Session{
		key:     key,
		detach:  detach,
		stdin:   locals[0],
		stdout:  locals[1],
		stderr:  locals[2],
		state:   StateRunning,
		exited:  make(chan struct{}),
		dropped: make(chan struct{}),
	}
	go s.watch(exitc)
	return s
}

func (s *Session) watch(exitc <-chan dispatch.Exit) {
	select {
	case exit := <-exitc:
		s.mu.Lock()
		s.code = exit.Code
		s.err = exit.Err
		s.noTTY = exit.NoTTY
		if exit.Err != nil {
			s.code = -1
			s.state = StateFailed
		} else {
			s.state = StateExited
		}
		s.mu.Unlock()
		close(s.exited)
	case <-s.dropped:
	}
}

// Key returns the session's lookup key.
func (s *Session) Key() Key { return s.key }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TTYDenied reports whether the master could not allocate the requested
// terminal. It is only meaningful after Wait returns.
func (s *Session) TTYDenied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noTTY
}

// Stdin returns the writable end of a piped stdin, or nil.
func (s *Session) Stdin() io.WriteCloser {
	if s.stdin == nil {
		return nil
	}
	return s.stdin
}

// Stdout returns the readable end of a piped stdout, or nil.
func (s *Session) Stdout() io.ReadCloser {
	if s.stdout == nil {
		return nil
	}
	return s.stdout
}

// Stderr returns the readable end of a piped stderr, or nil.
func (s *Session) Stderr() io.ReadCloser {
	if s.stderr == nil {
		return nil
	}
	return s.stderr
}

// Wait blocks until the remote command exits and returns its status. Later
// calls return the same cached result without waiting again. If the control
// connection is lost first the error wraps mux.ErrConnectionLost.
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.code, s.err
	default:
	}
	select {
	case <-s.exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.code, s.err
	case <-s.dropped:
		return -1, ErrDropped
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ExitStatus reports the exit without blocking. ok is false while the
// command is still running, and after Drop the error is ErrDropped.
func (s *Session) ExitStatus() (code int, ok bool, err error) {
	select {
	case <-s.exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.code, true, s.err
	default:
	}
	select {
	case <-s.dropped:
		return -1, false, ErrDropped
	default:
		return 0, false, nil
	}
}

// Drop stops tracking the session and closes its local stdio ends. A remote
// command that is still running keeps running; its exit is discarded.
func (s *Session) Drop() {
	s.drop.Do(func() {
		select {
		case <-s.exited:
		default:
			s.detach(s.key.ID)
			close(s.dropped)
		}
		for _, f := range []*os.File{s.stdin, s.stdout, s.stderr} {
			if f != nil {
				f.Close()
			}
		}
	})
}
