package master

import (
	"context"
	"fmt"
	"sync/atomic"

	"sshmux/internal/forward"
	"sshmux/internal/mux/dispatch"
	"sshmux/internal/mux/wire"
	"sshmux/internal/session"
	"sshmux/internal/target"
)

// Handle is one reference to a shared master.
type Handle struct {
	m        *Manager
	ms       *master
	released atomic.Bool
}

func (h *Handle) release() bool { return h.released.CompareAndSwap(false, true) }

// SocketPath returns the control socket path.
func (h *Handle) SocketPath() string { return h.ms.path }

// Target returns the destination the master is connected to.
func (h *Handle) Target() target.Target { return h.ms.target }

// PID returns the master's process id as reported by ALIVE.
func (h *Handle) PID() uint32 { return h.ms.pid }

// Launched reports whether this process started the master.
func (h *Handle) Launched() bool { return h.ms.launched }

// Sessions returns the session manager shared by every handle to the master.
func (h *Handle) Sessions() *session.Manager { return h.ms.sessions }

// Forwards returns the forward manager shared by every handle to the master.
func (h *Handle) Forwards() *forward.Manager { return h.ms.forwards }

// Err returns the connection's terminal error, or nil while it is healthy.
func (h *Handle) Err() error { return h.ms.d.Err() }

// Done is closed when the connection to the master is lost or closed.
func (h *Handle) Done() <-chan struct{} { return h.ms.d.Done() }

// Check sends ALIVE_CHECK and returns the pid the master reports.
func (h *Handle) Check(ctx context.Context) (uint32, error) {
	resp, err := h.ms.d.Submit(ctx, &wire.AliveCheck{})
	if err != nil {
		return 0, fmt.Errorf("alive check: %w", err)
	}
	switch r := resp.(type) {
	case *wire.Alive:
		return r.PID, nil
	default:
		if rerr := dispatch.ResponseError("alive check", resp); rerr != nil {
			return 0, rerr
		}
		return 0, dispatch.Unexpected("alive check", resp)
	}
}

// StopListening asks the master to stop accepting new mux clients. Existing
// connections, including this one, keep working.
func (h *Handle) StopListening(ctx context.Context) error {
	resp, err := h.ms.d.Submit(ctx, &wire.StopListening{})
	if err != nil {
		return fmt.Errorf("stop listening: %w", err)
	}
	switch resp.(type) {
	case *wire.OK:
		return nil
	default:
		if rerr := dispatch.ResponseError("stop listening", resp); rerr != nil {
			return rerr
		}
		return dispatch.Unexpected("stop listening", resp)
	}
}

// Terminate asks the master to exit now regardless of other handles, which
// fail with a connection-lost error afterwards. The handle still needs
// Release.
func (h *Handle) Terminate(ctx context.Context) error {
	m, ms := h.m, h.ms
	unlock, err := m.lockPath(ctx, ms.path)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	if m.masters[ms.path] == ms {
		delete(m.masters, ms.path)
	}
	m.mu.Unlock()

	defer ms.d.Close()
	if err := m.terminate(ctx, ms); err != nil {
		return err
	}
	m.markReleased(ctx, ms)
	return nil
}
