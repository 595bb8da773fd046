package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"sshmux/internal/config"
	"sshmux/internal/master"
	"sshmux/internal/target"
	"sshmux/internal/testsupport"
)

const dest = "deploy@example.test"

// peerLauncher starts a fake master on the socket instead of running ssh.
type peerLauncher struct {
	mu    sync.Mutex
	peers []*testsupport.MuxPeer
}

func (l *peerLauncher) Launch(_ context.Context, req master.LaunchRequest) error {
	peer, err := testsupport.ListenMuxPeer(req.SocketPath)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.peers = append(l.peers, peer)
	l.mu.Unlock()
	return nil
}

func (l *peerLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *peerLauncher) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.peers {
		p.Close()
	}
}

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	launcher   *peerLauncher
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Logging.Level = "error"

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := &peerLauncher{}
	t.Cleanup(l.close)
	return &cliTestEnv{cfg: cfg, configPath: configPath, launcher: l}
}

// socketPath is where the CLI will look for dest's master.
func (e *cliTestEnv) socketPath(t *testing.T) string {
	t.Helper()
	tgt, err := target.Parse(dest)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	path, err := master.NewManager(e.cfg).SocketPath(tgt)
	if err != nil {
		t.Fatalf("socket path: %v", err)
	}
	return path
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(master.WithLauncher(env.launcher))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestRunPropagatesExitStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.NewMuxPeer(t, env.socketPath(t))

	_, _, err := runCLI(t, env, "run", dest, "exit 3")
	var status *exitStatusError
	if !errors.As(err, &status) || status.code != 3 {
		t.Fatalf("err = %v, want exit status 3", err)
	}
	if env.launcher.launched() != 0 {
		t.Fatal("launched a master although one was running")
	}

	if _, _, err := runCLI(t, env, "run", dest, "true"); err != nil {
		t.Fatalf("run true: %v", err)
	}
}

func TestRunReportsMissingCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.NewMuxPeer(t, env.socketPath(t))

	_, stderr, err := runCLI(t, env, "run", dest, "--", "sshmux-no-such-binary", "--flag")
	var status *exitStatusError
	if !errors.As(err, &status) || status.code != 127 {
		t.Fatalf("err = %v, want exit status 127", err)
	}
	requireContains(t, stderr, "sshmux-no-such-binary: command not found")
}

func TestLaunchListAndExit(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env, "run", "--keep-master", dest, "true"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.launcher.launched() != 1 {
		t.Fatalf("launched %d masters, want 1", env.launcher.launched())
	}

	out, _, err := runCLI(t, env, "masters", "--json")
	if err != nil {
		t.Fatalf("masters: %v", err)
	}
	var rows []masterRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode masters output %q: %v", out, err)
	}
	if len(rows) != 1 || !rows[0].Active || rows[0].LaunchedBy != os.Getpid() || rows[0].Target != dest {
		t.Fatalf("unexpected registry rows %+v", rows)
	}

	out, _, err = runCLI(t, env, "masters")
	if err != nil {
		t.Fatalf("masters table: %v", err)
	}
	requireContains(t, out, dest)
	requireContains(t, out, "active")

	out, _, err = runCLI(t, env, "check", dest)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	requireContains(t, out, "Master running")
	requireContains(t, out, "Launched by this command: no")

	out, _, err = runCLI(t, env, "exit", dest)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	requireContains(t, out, "Exit request sent")
	select {
	case <-env.launcher.peers[0].Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("master was not terminated")
	}

	out, _, err = runCLI(t, env, "masters", "--all")
	if err != nil {
		t.Fatalf("masters --all: %v", err)
	}
	requireContains(t, out, "released")
}

func TestAttachOnlyCommandsNeedRunningMaster(t *testing.T) {
	env := setupCLITestEnv(t)
	for _, args := range [][]string{
		{"check", dest},
		{"exit", dest},
		{"stop-listening", dest},
	} {
		if _, _, err := runCLI(t, env, args...); !errors.Is(err, master.ErrNoMaster) {
			t.Fatalf("%v: err = %v, want ErrNoMaster", args, err)
		}
	}
	if env.launcher.launched() != 0 {
		t.Fatalf("attach-only commands launched %d masters", env.launcher.launched())
	}
}

func TestForwardAndCancel(t *testing.T) {
	env := setupCLITestEnv(t)
	peer := testsupport.NewMuxPeer(t, env.socketPath(t))

	out, _, err := runCLI(t, env, "forward", dest, "R:0:localhost:22")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	requireContains(t, out, "Allocated port 40000")
	if peer.OpenForwards() != 1 {
		t.Fatalf("peer has %d forwards, want 1", peer.OpenForwards())
	}

	out, _, err = runCLI(t, env, "cancel-forward", dest, "R:0:localhost:22")
	if err != nil {
		t.Fatalf("cancel-forward: %v", err)
	}
	requireContains(t, out, "Cancelled")

	if _, _, err := runCLI(t, env, "forward", dest, "X:1:2"); err == nil {
		t.Fatal("expected invalid spec to fail")
	}
}

func TestStopListening(t *testing.T) {
	env := setupCLITestEnv(t)
	path := env.socketPath(t)
	testsupport.NewMuxPeer(t, path)

	out, _, err := runCLI(t, env, "stop-listening", dest)
	if err != nil {
		t.Fatalf("stop-listening: %v", err)
	}
	requireContains(t, out, "stopped listening")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket still present: %v", err)
	}
}

func TestConfigInitShowValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	samplePath := filepath.Join(t.TempDir(), "sshmux.toml")
	out, _, err := runCLI(t, env, "config", "init", "--path", samplePath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, err := runCLI(t, env, "config", "init", "--path", samplePath); err == nil {
		t.Fatal("expected init without --overwrite to refuse an existing file")
	}

	out, _, err = runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, env.cfg.Control.Dir)

	out, _, err = runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}

func TestDoctor(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithStubbedBinaries(`echo "OpenSSH_9.6p1" >&2`))

	out, _, err := runCLI(t, env, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "OpenSSH_9.6p1")
	requireContains(t, out, "Master registry")
}

func TestLogShowsMasterDiagnostics(t *testing.T) {
	env := setupCLITestEnv(t)
	logPath := master.LogPath(env.socketPath(t))
	if err := os.WriteFile(logPath, []byte("debug1: one\ndebug1: two\ndebug1: three\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, env, "log", "-n", "2", dest)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if out != "debug1: two\ndebug1: three\n" {
		t.Fatalf("unexpected log output %q", out)
	}
}
