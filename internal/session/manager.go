package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"sshmux/internal/logging"
	"sshmux/internal/mux/dispatch"
	"sshmux/internal/mux/wire"
)

// Opener is the part of a dispatcher the Manager needs.
type Opener interface {
	OpenSession(ctx context.Context, req *wire.NewSession, fds []int) (wire.Response, <-chan dispatch.Exit, error)
	Detach(sessionID uint32)
}

// Manager opens sessions on one control connection.
type Manager struct {
	opener Opener
	socket string
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the Manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a Manager that opens sessions through opener. socket
// names the control socket in session keys and logs.
func NewManager(opener Opener, socket string, opts ...Option) *Manager {
	m := &Manager{opener: opener, socket: socket, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "session").With(logging.String(logging.FieldSocket, socket))
	return m
}

// Open starts cmd on the remote host. A PERMISSION_DENIED or FAILURE reply is
// returned as an error and no Session is created.
func (m *Manager) Open(ctx context.Context, cmd Command) (*Session, error) {
	var bindings [3]binding
	streams := [3]Stdio{cmd.Stdin, cmd.Stdout, cmd.Stderr}
	for i, stdio := range streams {
		b, err := stdio.resolve(i)
		if err != nil {
			for _, prev := range bindings[:i] {
				prev.closeRemote()
				prev.closeLocal()
			}
			return nil, fmt.Errorf("open session: %w", err)
		}
		bindings[i] = b
	}
	closeLocals := func() {
		for _, b := range bindings {
			b.closeLocal()
		}
	}

	req := &wire.NewSession{
		TTY:        cmd.TTY,
		Subsystem:  cmd.Subsystem,
		EscapeChar: wire.NoEscapeChar,
		Term:       cmd.Term,
		Command:    cmd.Line(),
		Env:        cmd.Env,
	}
	if req.TTY && req.Term == "" {
		req.Term = os.Getenv("TERM")
	}
	fds := make([]int, len(bindings))
	for i, b := range bindings {
		fds[i] = int(b.remote.Fd())
	}

	resp, exitc, err := m.opener.OpenSession(ctx, req, fds)
	// The master holds its own copies now.
	for _, b := range bindings {
		b.closeRemote()
	}
	if err != nil {
		closeLocals()
		return nil, fmt.Errorf("open session: %w", err)
	}

	opened, ok := resp.(*wire.SessionOpened)
	if !ok {
		closeLocals()
		if rerr := dispatch.ResponseError("open session", resp); rerr != nil {
			m.logger.Debug("session refused", logging.Error(rerr))
			return nil, rerr
		}
		return nil, dispatch.Unexpected("open session", resp)
	}

	key := Key{Socket: m.socket, ID: opened.SessionID}
	m.logger.Debug("session opened",
		logging.Uint32(logging.FieldSessionID, opened.SessionID),
		logging.Bool("tty", cmd.TTY),
	)
	return newSession(key, m.opener.Detach, exitc, [3]*os.File{bindings[0].local, bindings[1].local, bindings[2].local}), nil
}

// Output is the collected result of a finished command.
type Output struct {
	Status int
	Stdout []byte
	Stderr []byte
}

// Output runs cmd with stdout and stderr piped, collects both, and waits for
// the exit. Stdin keeps the command's binding. A 127 status is reported as
// ErrCommandNotFound alongside the collected output.
func (m *Manager) Output(ctx context.Context, cmd Command) (Output, error) {
	cmd.Stdout = Piped()
	cmd.Stderr = Piped()
	s, err := m.Open(ctx, cmd)
	if err != nil {
		return Output{}, err
	}
	defer s.Drop()

	var (
		wg             sync.WaitGroup
		stdout, stderr bytes.Buffer
	)
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(&stdout, s.Stdout()) }()
	go func() { defer wg.Done(); io.Copy(&stderr, s.Stderr()) }()

	code, err := s.Wait(ctx)
	if err != nil {
		s.Drop()
		wg.Wait()
		return Output{Status: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
	}
	wg.Wait()
	out := Output{Status: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if code == 127 {
		return out, ErrCommandNotFound
	}
	return out, nil
}
