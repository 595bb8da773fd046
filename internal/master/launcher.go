package master

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"sshmux/internal/config"
	"sshmux/internal/sshlog"
	"sshmux/internal/target"
)

// LaunchRequest describes a master to start.
type LaunchRequest struct {
	Target     target.Target
	SocketPath string
	// LogPath receives ssh's diagnostics (-E).
	LogPath string
}

// Launcher starts a background master listening on req.SocketPath. It
// returns once the master has detached; the socket may appear later.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// SSHLauncher starts masters with the ssh binary.
type SSHLauncher struct {
	cfg *config.Config
}

// NewSSHLauncher returns a launcher using the [ssh] and [control] settings.
func NewSSHLauncher(cfg *config.Config) *SSHLauncher {
	return &SSHLauncher{cfg: cfg}
}

// Args builds the ssh argument list for req.
func (l *SSHLauncher) Args(req LaunchRequest) []string {
	ssh := l.cfg.SSH
	args := []string{
		"-E", req.LogPath,
		"-S", req.SocketPath,
		"-M", "-f", "-N",
		"-o", "ControlPersist=" + l.cfg.Control.Persist,
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=" + strictHostKeyChecking(ssh.KnownHosts),
	}
	if ssh.ConnectTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(ssh.ConnectTimeout))
	}
	if ssh.ServerAliveInterval > 0 {
		args = append(args, "-o", "ServerAliveInterval="+strconv.Itoa(ssh.ServerAliveInterval))
	}
	if req.Target.Port != 0 {
		args = append(args, "-p", strconv.Itoa(int(req.Target.Port)))
	}
	if req.Target.User != "" {
		args = append(args, "-l", req.Target.User)
	}
	if ssh.Keyfile != "" {
		args = append(args, "-o", "IdentitiesOnly=yes", "-i", ssh.Keyfile)
	}
	if ssh.ConfigFile != "" {
		args = append(args, "-F", ssh.ConfigFile)
	}
	if ssh.Compression {
		args = append(args, "-o", "Compression=yes")
	}
	if ssh.UserKnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+ssh.UserKnownHostsFile)
	}
	return append(args, req.Target.Host)
}

func strictHostKeyChecking(policy string) string {
	switch strings.ToLower(policy) {
	case "strict":
		return "yes"
	case "accept":
		return "no"
	default:
		return "accept-new"
	}
}

// Launch runs ssh and waits for it to fork into the background. A non-zero
// exit is translated with InterpretSSHError from the log file.
func (l *SSHLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	binary := l.cfg.SSH.Binary
	if binary == "" {
		binary = "ssh"
	}
	// ssh -E appends, so only lines past the current end belong to this run.
	before, err := sshlog.Last(req.LogPath, 0)
	if err != nil {
		return fmt.Errorf("launch %s: %w", binary, err)
	}

	cmd := exec.CommandContext(ctx, binary, l.Args(req)...)
	// Stdio stays nil so ssh gets /dev/null on every stream.
	err = cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("launch %s: %w", binary, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("launch %s: %w", binary, ctxErr)
	}
	chunk, readErr := sshlog.Since(req.LogPath, before.Offset)
	if readErr != nil {
		return fmt.Errorf("launch %s: %w (log unavailable: %v)", binary, err, readErr)
	}
	if len(chunk.Lines) == 0 {
		return fmt.Errorf("launch %s: %w (no diagnostics in %s)", binary, err, req.LogPath)
	}
	return InterpretSSHError(strings.Join(chunk.Lines, "\n"))
}
