package backend_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sshmux/internal/backend"
	"sshmux/internal/session"
	"sshmux/internal/target"
	"sshmux/internal/testsupport"
)

// stubSSH drops everything up to "--" and runs the remaining line locally.
const stubSSH = `if [ -n "$SSHMUX_ARGS_LOG" ]; then printf '%s\n' "$@" > "$SSHMUX_ARGS_LOG"; fi
while [ $# -gt 0 ]; do
  if [ "$1" = "--" ]; then shift; break; fi
  shift
done
exec /bin/sh -c "$*"`

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newMuxRunner(t *testing.T) *backend.MuxRunner {
	t.Helper()
	path := testsupport.SocketPath(t)
	testsupport.NewMuxPeer(t, path)
	d := testsupport.StartDispatcher(t, path)
	return backend.NewMuxRunner(session.NewManager(d, path))
}

func TestMuxRunnerReturnsExitStatus(t *testing.T) {
	r := newMuxRunner(t)
	code, err := r.Run(testContext(t), session.RawCommand("exit 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestMuxRunnerReportsMissingCommand(t *testing.T) {
	r := newMuxRunner(t)
	code, err := r.Run(testContext(t), session.NewCommand("sshmux-no-such-binary"))
	if !errors.Is(err, session.ErrCommandNotFound) {
		t.Fatalf("err = %v, want ErrCommandNotFound", err)
	}
	if code != 127 {
		t.Fatalf("code = %d, want 127", code)
	}
}

func TestMuxRunnerWritesToFile(t *testing.T) {
	r := newMuxRunner(t)
	out := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(out)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	cmd := session.RawCommand("echo muxed")
	cmd.Stdout = session.FromFile(f)
	if _, err := r.Run(testContext(t), cmd); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "muxed\n" {
		t.Fatalf("output = %q", data)
	}
}

func TestProcessRunnerArgs(t *testing.T) {
	r := backend.NewProcessRunner("", "/tmp/ctl", target.Target{Host: "example.com", User: "deploy"})
	got := r.Args(session.NewCommand("ls", "-la", "my dir"))
	want := []string{
		"-S", "/tmp/ctl", "-o", "BatchMode=yes", "-T", "-p", "9",
		"-l", "deploy", "example.com", "--", "ls -la 'my dir'",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if r.Binary != "ssh" {
		t.Fatalf("binary = %q, want ssh", r.Binary)
	}

	withEnv := session.RawCommand("printenv FOO")
	withEnv.Env = []string{"FOO=bar", "LANG=C", "FOO=baz"}
	got = r.Args(withEnv)
	want = []string{
		"-S", "/tmp/ctl", "-o", "BatchMode=yes", "-T", "-p", "9", "-l", "deploy",
		"-o", "SendEnv=FOO", "-o", "SendEnv=LANG",
		"example.com", "--", "printenv FOO",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("env args mismatch (-want +got):\n%s", diff)
	}

	tty := session.RawCommand("top")
	tty.TTY = true
	got = r.Args(tty)
	if got[4] != "-tt" {
		t.Fatalf("tty flag = %q, want -tt", got[4])
	}
}

func TestProcessRunnerRunsThroughSSH(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(stubSSH))
	argsLog := filepath.Join(testsupport.BaseDir(cfg), "args")
	t.Setenv("SSHMUX_ARGS_LOG", argsLog)

	out := filepath.Join(testsupport.BaseDir(cfg), "out")
	f, err := os.Create(out)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	r := backend.NewProcessRunner(cfg.SSH.Binary, "/tmp/ctl", target.Target{Host: "example.com"})
	cmd := session.RawCommand(`echo "via-process $SSHMUX_TEST_VALUE"; exit 5`)
	cmd.Env = []string{"SSHMUX_TEST_VALUE=forwarded"}
	cmd.Stdout = session.FromFile(f)
	code, err := r.Run(testContext(t), cmd)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 5 {
		t.Fatalf("code = %d, want 5", code)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "via-process forwarded\n" {
		t.Fatalf("output = %q", data)
	}
	logged, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(logged), "-S\n/tmp/ctl\n") {
		t.Fatalf("control socket not passed:\n%s", logged)
	}
	if !strings.Contains(string(logged), "-o\nSendEnv=SSHMUX_TEST_VALUE\n") {
		t.Fatalf("env name not forwarded:\n%s", logged)
	}
}

func TestProcessRunnerMapsStatuses(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(stubSSH))
	r := backend.NewProcessRunner(cfg.SSH.Binary, "/tmp/ctl", target.Target{Host: "example.com"})

	if code, err := r.Run(testContext(t), session.RawCommand("exit 255")); !errors.Is(err, backend.ErrSSHFailed) || code != 255 {
		t.Fatalf("exit 255: code=%d err=%v", code, err)
	}
	if code, err := r.Run(testContext(t), session.RawCommand("exit 127")); !errors.Is(err, session.ErrCommandNotFound) || code != 127 {
		t.Fatalf("exit 127: code=%d err=%v", code, err)
	}
}

func TestProcessRunnerRejectsPipedStdio(t *testing.T) {
	r := backend.NewProcessRunner("ssh", "/tmp/ctl", target.Target{Host: "example.com"})
	cmd := session.RawCommand("true")
	cmd.Stdout = session.Piped()
	if _, err := r.Run(testContext(t), cmd); !errors.Is(err, session.ErrPipedStdio) {
		t.Fatalf("err = %v, want ErrPipedStdio", err)
	}
}
