package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"sshmux/internal/session"
	"sshmux/internal/target"
)

// ErrSSHFailed reports a 255 status from the ssh client, which means either
// the connection failed or the remote command itself exited 255.
var ErrSSHFailed = errors.New("ssh exited 255")

// Runner runs a command to completion and returns its exit status.
type Runner interface {
	Run(ctx context.Context, cmd session.Command) (int, error)
}

var (
	_ Runner = (*MuxRunner)(nil)
	_ Runner = (*ProcessRunner)(nil)
)

// MuxRunner runs commands as sessions on a control master.
type MuxRunner struct {
	sessions *session.Manager
}

// NewMuxRunner returns a Runner backed by sessions.
func NewMuxRunner(sessions *session.Manager) *MuxRunner {
	return &MuxRunner{sessions: sessions}
}

// Run opens a session for cmd and waits for it.
func (r *MuxRunner) Run(ctx context.Context, cmd session.Command) (int, error) {
	s, err := r.sessions.Open(ctx, cmd)
	if err != nil {
		return -1, err
	}
	defer s.Drop()
	code, err := s.Wait(ctx)
	if err != nil {
		return code, err
	}
	if code == 127 {
		return code, session.ErrCommandNotFound
	}
	return code, nil
}

// ProcessRunner runs each command with its own ssh client process routed
// through the control socket.
type ProcessRunner struct {
	Binary string
	Socket string
	Target target.Target
}

// NewProcessRunner returns a ProcessRunner using binary (default "ssh").
func NewProcessRunner(binary, socket string, t target.Target) *ProcessRunner {
	if binary == "" {
		binary = "ssh"
	}
	return &ProcessRunner{Binary: binary, Socket: socket, Target: t}
}

// Args builds the ssh argument list for cmd. Port 9 (discard) keeps ssh
// from opening a fresh connection if the master has gone away.
func (r *ProcessRunner) Args(cmd session.Command) []string {
	args := []string{"-S", r.Socket, "-o", "BatchMode=yes"}
	if cmd.TTY {
		args = append(args, "-tt")
	} else {
		args = append(args, "-T")
	}
	args = append(args, "-p", "9")
	if r.Target.User != "" {
		args = append(args, "-l", r.Target.User)
	}
	// Env is set on the ssh process itself; SendEnv forwards each name.
	seen := make(map[string]bool, len(cmd.Env))
	for _, kv := range cmd.Env {
		name, _, _ := strings.Cut(kv, "=")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		args = append(args, "-o", "SendEnv="+name)
	}
	if cmd.Subsystem {
		args = append(args, "-s")
	}
	return append(args, r.Target.Host, "--", cmd.Line())
}

// Run spawns ssh for cmd and waits for it. Piped stdio is not supported.
func (r *ProcessRunner) Run(ctx context.Context, cmd session.Command) (int, error) {
	proc := exec.CommandContext(ctx, r.Binary, r.Args(cmd)...)
	for i, stdio := range []session.Stdio{cmd.Stdin, cmd.Stdout, cmd.Stderr} {
		f, release, err := stdio.File(i)
		if err != nil {
			return -1, fmt.Errorf("stdio %d: %w", i, err)
		}
		defer release()
		switch i {
		case 0:
			proc.Stdin = f
		case 1:
			proc.Stdout = f
		case 2:
			proc.Stderr = f
		}
	}
	proc.Env = append(proc.Environ(), cmd.Env...)
	if cmd.TTY && cmd.Term != "" {
		proc.Env = append(proc.Env, "TERM="+cmd.Term)
	}

	err := proc.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		switch code {
		case 127:
			return code, session.ErrCommandNotFound
		case 255:
			return code, ErrSSHFailed
		case -1:
			if ctx.Err() != nil {
				return code, ctx.Err()
			}
			return code, fmt.Errorf("%s killed: %w", r.Binary, err)
		}
		return code, nil
	default:
		return -1, fmt.Errorf("run %s: %w", r.Binary, err)
	}
}
