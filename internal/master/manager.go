package master

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"sshmux/internal/config"
	"sshmux/internal/forward"
	"sshmux/internal/logging"
	"sshmux/internal/mux"
	"sshmux/internal/mux/dispatch"
	"sshmux/internal/mux/transport"
	"sshmux/internal/mux/wire"
	"sshmux/internal/session"
	"sshmux/internal/state"
	"sshmux/internal/target"
)

// ErrNoMaster is returned by Acquire on an attach-only Manager when no
// master is listening on the socket.
var ErrNoMaster = errors.New("no master running")

// Manager hands out reference-counted handles to control masters.
type Manager struct {
	cfg        *config.Config
	launcher   Launcher
	store      *state.Store
	logger     *slog.Logger
	env        target.Env
	backoff    backoff
	attachOnly bool

	mu      sync.Mutex
	masters map[string]*master
	sems    map[string]chan struct{}
}

// master is the shared state behind every Handle for one socket.
type master struct {
	path     string
	target   target.Target
	d        *dispatch.Dispatcher
	pid      uint32
	launched bool
	refs     int
	sessions *session.Manager
	forwards *forward.Manager
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLauncher replaces the ssh launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) {
		if l != nil {
			m.launcher = l
		}
	}
}

// WithStore records launched masters in the state registry.
func WithStore(store *state.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the Manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEnv overrides the local identity used to expand control paths.
func WithEnv(env target.Env) Option {
	return func(m *Manager) { m.env = env }
}

// WithoutLaunch makes Acquire attach to running masters only.
func WithoutLaunch() Option {
	return func(m *Manager) { m.attachOnly = true }
}

// NewManager returns a Manager configured from cfg.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		launcher: NewSSHLauncher(cfg),
		logger:   logging.NewNop(),
		env:      target.LocalEnv(),
		backoff: backoff{
			initial:    cfg.InitialBackoff(),
			max:        cfg.MaxBackoff(),
			multiplier: cfg.Lifecycle.BackoffMultiplier,
		},
		masters: make(map[string]*master),
		sems:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "master")
	return m
}

// LogPath is where a launched master's ssh writes diagnostics.
func LogPath(socket string) string { return socket + ".log" }

// SocketPath returns the control socket path used for t.
func (m *Manager) SocketPath(t target.Target) (string, error) {
	return target.ControlPath(m.cfg.Control.PathTemplate, m.cfg.Control.Dir, t, m.env)
}

// Acquire returns a handle to the master for t, attaching to a running one
// or launching a new one. Each successful Acquire must be paired with
// Release.
func (m *Manager) Acquire(ctx context.Context, t target.Target) (*Handle, error) {
	path, err := m.SocketPath(t)
	if err != nil {
		return nil, err
	}
	if h := m.attach(path); h != nil {
		return h, nil
	}

	unlock, err := m.lockPath(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have finished establishing while we waited.
	if h := m.attach(path); h != nil {
		return h, nil
	}

	ms, err := m.establish(ctx, t, path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	ms.refs = 1
	m.masters[path] = ms
	m.mu.Unlock()
	ms.d.OnLoss(func(err error) { m.lost(ms, err) })
	return &Handle{m: m, ms: ms}, nil
}

// attach increments the count on a live master.
func (m *Manager) attach(path string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.masters[path]
	if !ok {
		return nil
	}
	if ms.d.Err() != nil {
		delete(m.masters, path)
		return nil
	}
	ms.refs++
	m.logger.Debug("attached to master",
		logging.String(logging.FieldSocket, path),
		logging.Int("refs", ms.refs),
	)
	return &Handle{m: m, ms: ms}
}

// lockPath serializes establishment and teardown for one socket path.
func (m *Manager) lockPath(ctx context.Context, path string) (func(), error) {
	m.mu.Lock()
	sem, ok := m.sems[path]
	if !ok {
		sem = make(chan struct{}, 1)
		m.sems[path] = sem
	}
	m.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) establish(ctx context.Context, t target.Target, path string) (*master, error) {
	lock := flock.New(path + ".lock")
	if _, err := lock.TryLockContext(ctx, m.backoff.initial+time.Millisecond); err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	defer lock.Unlock()

	logger := m.logger.With(
		logging.String(logging.FieldSocket, path),
		logging.String(logging.FieldTarget, t.String()),
	)

	launched := false
	d, err := m.dial(ctx, path)
	if err != nil {
		if !unavailable(err) {
			return nil, err
		}
		if m.attachOnly {
			return nil, fmt.Errorf("%w on %s", ErrNoMaster, path)
		}
		if d, err = m.launch(ctx, t, path, logger); err != nil {
			return nil, err
		}
		launched = true
	}

	resp, err := d.Submit(ctx, &wire.AliveCheck{})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("alive check %s: %w", path, err)
	}
	alive, ok := resp.(*wire.Alive)
	if !ok {
		d.Close()
		if rerr := dispatch.ResponseError("alive check", resp); rerr != nil {
			return nil, rerr
		}
		return nil, dispatch.Unexpected("alive check", resp)
	}

	ms := &master{
		path:     path,
		target:   t,
		d:        d,
		pid:      alive.PID,
		launched: launched,
		sessions: session.NewManager(d, path, session.WithLogger(logger)),
		forwards: forward.NewManager(d, forward.WithLogger(logger)),
	}
	m.record(ctx, ms, logger)
	logger.Info("master ready",
		logging.Int64("pid", int64(alive.PID)),
		logging.Bool("launched", launched),
	)
	return ms, nil
}

// launch starts a master and polls until its socket accepts connections.
func (m *Manager) launch(ctx context.Context, t target.Target, path string, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	// A socket file nobody listens on would make ssh skip the master role.
	if err := os.Remove(path); err == nil {
		logger.Debug("removed stale control socket")
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout())
	defer cancel()

	started := time.Now()
	logger.Info("launching master")
	req := LaunchRequest{Target: t, SocketPath: path, LogPath: LogPath(path)}
	if err := m.launcher.Launch(startCtx, req); err != nil {
		if ctx.Err() == nil && startCtx.Err() != nil {
			return nil, fmt.Errorf("%w: launching master for %s: %w", mux.ErrStartupTimeout, t, err)
		}
		return nil, err
	}

	var d *dispatch.Dispatcher
	lastErr, ctxErr := m.backoff.poll(startCtx, func() (bool, error) {
		var err error
		d, err = m.dial(startCtx, path)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, mux.ErrVersionMismatch):
			return false, permanentError{err}
		default:
			return false, err
		}
	})
	switch {
	case d != nil && lastErr == nil && ctxErr == nil:
		logger.Debug("control socket ready", logging.Duration("waited", time.Since(started)))
		return d, nil
	case ctxErr != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case ctxErr != nil:
		if lastErr == nil {
			lastErr = ctxErr
		}
		return nil, fmt.Errorf("%w: %s did not appear within %s: %w",
			mux.ErrStartupTimeout, path, m.cfg.StartupTimeout(), lastErr)
	default:
		return nil, lastErr
	}
}

func (m *Manager) dial(ctx context.Context, path string) (*dispatch.Dispatcher, error) {
	conn, err := transport.Dial(ctx, path,
		transport.WithCodec(wire.Codec{MaxFrame: m.cfg.Protocol.MaxFrameBytes}),
		transport.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}
	d := dispatch.New(conn, dispatch.WithLogger(m.logger.With(logging.String(logging.FieldConnID, conn.ID()))))
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// unavailable reports whether a dial failed because no master is listening.
func unavailable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func (m *Manager) record(ctx context.Context, ms *master, logger *slog.Logger) {
	if m.store == nil {
		return
	}
	row := state.Master{SocketPath: ms.path, Target: ms.target.String(), PID: int(ms.pid)}
	if ms.launched {
		row.LaunchedBy = os.Getpid()
	}
	if err := m.store.RecordLaunch(ctx, row); err != nil {
		logging.WarnWithContext(logger, "failed to record master", "state_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state.db_path permissions"),
			logging.String(logging.FieldImpact, "sshmux masters will not list this master"),
		)
	}
}

// lost drops a master whose connection failed.
func (m *Manager) lost(ms *master, err error) {
	m.mu.Lock()
	if m.masters[ms.path] == ms {
		delete(m.masters, ms.path)
	}
	m.mu.Unlock()
	if !errors.Is(err, mux.ErrClosed) {
		logging.WarnWithContext(m.logger, "lost control master", "master_connection_lost",
			logging.String(logging.FieldSocket, ms.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the master exited or its socket was removed"),
			logging.String(logging.FieldImpact, "sessions and forwards on this master have failed"),
		)
	}
}

// RefCount returns the number of unreleased handles for the socket path.
func (m *Manager) RefCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.masters[path]; ok {
		return ms.refs
	}
	return 0
}

// Active lists the socket paths with at least one handle.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.masters))
	for path := range m.masters {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Release drops h's reference. When the last reference goes, the master is
// sent TERMINATE if this Manager launched it and terminate_on_release is set;
// otherwise the connection is just closed. Releasing twice is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.release() {
		return nil
	}
	ms := h.ms

	unlock, err := m.lockPath(ctx, ms.path)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	ms.refs--
	if ms.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	if m.masters[ms.path] == ms {
		delete(m.masters, ms.path)
	}
	m.mu.Unlock()

	return m.teardown(ctx, ms, m.cfg.Lifecycle.TerminateOnRelease && ms.launched)
}

func (m *Manager) teardown(ctx context.Context, ms *master, terminate bool) error {
	logger := m.logger.With(logging.String(logging.FieldSocket, ms.path))
	defer ms.d.Close()

	if !terminate {
		logger.Debug("detached from master", logging.Bool("launched", ms.launched))
		return nil
	}
	if ms.d.Err() != nil {
		m.markReleased(ctx, ms)
		return nil
	}
	if err := m.terminate(ctx, ms); err != nil {
		return err
	}
	m.markReleased(ctx, ms)
	logger.Info("master terminated", logging.Int64("pid", int64(ms.pid)))
	return nil
}

// terminate sends TERMINATE and waits for the master to go away. It never
// signals the process.
func (m *Manager) terminate(ctx context.Context, ms *master) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout())
	defer cancel()

	resp, err := ms.d.Submit(waitCtx, &wire.Terminate{})
	switch {
	case err != nil && errors.Is(err, mux.ErrConnectionLost):
		// The master may close before its reply is read.
	case err != nil:
		return fmt.Errorf("terminate master %s: %w", ms.path, err)
	default:
		if rerr := dispatch.ResponseError("terminate", resp); rerr != nil {
			return rerr
		}
	}

	if err := m.backoff.waitForExit(waitCtx, int(ms.pid), ms.path); err != nil {
		return fmt.Errorf("master %s (pid %d) still running after %s: %w",
			ms.path, ms.pid, m.cfg.ShutdownTimeout(), err)
	}
	return nil
}

func (m *Manager) markReleased(ctx context.Context, ms *master) {
	if m.store == nil {
		return
	}
	if err := m.store.MarkReleased(ctx, ms.path, time.Now()); err != nil {
		m.logger.Debug("failed to mark master released", logging.Error(err))
	}
}

// Close detaches from every master without terminating any of them.
// Outstanding handles fail with a connection-lost error afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	masters := make([]*master, 0, len(m.masters))
	for _, ms := range m.masters {
		masters = append(masters, ms)
	}
	m.masters = make(map[string]*master)
	m.mu.Unlock()
	for _, ms := range masters {
		ms.d.Close()
	}
	return nil
}
