package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sshmux/internal/state"
	"sshmux/internal/target"
)

// CheckSSHClient verifies the ssh binary resolves and reports its version.
func CheckSSHClient(ctx context.Context, binary string) Result {
	const name = "SSH client"

	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Result{Name: name, Detail: "binary not configured"}
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("binary %q not found", binary)}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// ssh -V prints to stderr.
	var out bytes.Buffer
	cmd := exec.CommandContext(checkCtx, path, "-V")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s -V failed (%v)", path, err)}
	}
	version := strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
	if version == "" {
		version = "version unknown"
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, version)}
}

// CheckControlDir verifies the control socket directory exists, is usable,
// and is private to the current user.
func CheckControlDir(path string) Result {
	const name = "Control directory"

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	if int(st.Uid) != os.Getuid() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: owned by uid %d)", path, st.Uid)}
	}
	if perm := st.Mode & 0o777; perm&0o077 != 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: mode %#o allows other users)", path, perm)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (private)", path)}
}

// CheckControlPathLength expands the control path template for a typical
// destination and checks it fits in a unix socket address. Hostnames longer
// than the sample can still overflow unless the template uses %C.
func CheckControlPathLength(template, dir string) Result {
	const name = "Control path"

	sample := target.Target{Host: "host.example.com", User: "user"}
	path, err := target.ControlPath(template, dir, sample, target.LocalEnv())
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d of %d bytes)", path, len(path), target.MaxSocketPath)}
}

// CheckRegistry opens the master registry, creating it when missing.
func CheckRegistry(path string) Result {
	const name = "Master registry"

	store, err := state.Open(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if err := store.Close(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: close: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}
