package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"sshmux/internal/logging"
	"sshmux/internal/mux"
	"sshmux/internal/mux/dispatch"
	"sshmux/internal/mux/wire"
)

// State is a forward's position in its lifecycle.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Submitter is the part of a dispatcher the Manager needs.
type Submitter interface {
	Submit(ctx context.Context, req wire.Request) (wire.Response, error)
	OnLoss(fn func(error))
}

// Handle describes a forward returned by Open or List.
type Handle struct {
	Spec  Spec
	State State
	// AssignedPort is the port the server bound for a remote forward that
	// asked for port 0.
	AssignedPort uint32
}

// ListenPort returns the port the forward actually listens on.
func (h Handle) ListenPort() uint32 {
	if h.AssignedPort != 0 {
		return h.AssignedPort
	}
	return h.Spec.Listen.Port
}

type entry struct {
	state    State
	assigned uint32
	// settled is closed once the OPEN_FORWARD reply has been handled.
	settled  chan struct{}
}

// Manager tracks the forwards opened through one control connection.
type Manager struct {
	sub    Submitter
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[Spec]*entry
	lost    error
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

// NewManager returns a Manager issuing requests through sub. When sub's
// connection is lost every tracked forward is marked closed.
func NewManager(sub Submitter, opts ...Option) *Manager {
	m := &Manager{
		sub:     sub,
		logger:  logging.NewNop(),
		entries: make(map[Spec]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "forward")
	sub.OnLoss(m.connectionLost)
	return m
}

func (m *Manager) connectionLost(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = err
	for _, e := range m.entries {
		e.state = StateClosed
	}
	m.entries = make(map[Spec]*entry)
}

// Open asks the master to start the forward. An already open forward with
// the same spec is returned without a new request, and concurrent opens of
// one spec share a single request. If ctx ends first, Open returns while the
// shared request completes for any other callers.
func (m *Manager) Open(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	if m.lost != nil {
		err := m.lost
		m.mu.Unlock()
		return Handle{}, err
	}
	if e, ok := m.entries[spec]; ok && e.state == StateOpen {
		h := Handle{Spec: spec, State: StateOpen, AssignedPort: e.assigned}
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(dedupKey(spec), func() (any, error) {
		return m.open(shared, spec)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, spec Spec) (Handle, error) {
	m.mu.Lock()
	if e, ok := m.entries[spec]; ok && e.state == StateOpen {
		h := Handle{Spec: spec, State: StateOpen, AssignedPort: e.assigned}
		m.mu.Unlock()
		return h, nil
	}
	e := &entry{state: StateOpening, settled: make(chan struct{})}
	m.entries[spec] = e
	m.mu.Unlock()

	var assigned uint32

	resp, err := m.sub.Submit(ctx, &wire.OpenForward{
		Direction: spec.Direction,
		Listen:    spec.Listen,
		Connect:   spec.Connect,
	})
	if err == nil {
		switch r := resp.(type) {
		case *wire.OK:
		case *wire.RemotePort:
			assigned = r.Port
		default:
			if err = dispatch.ResponseError("open forward "+spec.String(), resp); err == nil {
				err = dispatch.Unexpected("open forward", resp)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(e.settled)
	if err != nil {
		if m.entries[spec] == e {
			delete(m.entries, spec)
		}
		e.state = StateClosed
		return Handle{}, err
	}
	if m.entries[spec] != e {
		// The connection was lost while the reply was in flight.
		e.state = StateClosed
		if m.lost != nil {
			return Handle{}, m.lost
		}
		return Handle{}, mux.ErrConnectionLost
	}
	e.state = StateOpen
	e.assigned = assigned
	m.logger.Info("forward opened",
		logging.String(logging.FieldForward, spec.String()),
		logging.Int64("assigned_port", int64(e.assigned)),
	)
	return Handle{Spec: spec, State: StateOpen, AssignedPort: e.assigned}, nil
}

// Close stops the forward. A forward still opening is closed once its
// open completes. Closing a forward that is unknown, already closed, or
// whose master reports it missing succeeds.
func (m *Manager) Close(ctx context.Context, h Handle) error {
	spec := h.Spec
	m.mu.Lock()
	e, ok := m.entries[spec]
	for ok && e.state == StateOpening {
		settled := e.settled
		m.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		e, ok = m.entries[spec]
	}
	if !ok || e.state != StateOpen {
		m.mu.Unlock()
		return nil
	}
	e.state = StateClosing
	m.mu.Unlock()

	resp, err := m.sub.Submit(ctx, &wire.CloseForward{
		Direction: spec.Direction,
		Listen:    spec.Listen,
		Connect:   spec.Connect,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil && errors.Is(err, mux.ErrConnectionLost):
		// The master's forwards went with the connection.
		e.state = StateClosed
		return nil
	case err != nil:
		if m.entries[spec] == e {
			e.state = StateOpen
		}
		return fmt.Errorf("close forward %s: %w", spec, err)
	}

	switch r := resp.(type) {
	case *wire.OK:
	case *wire.Failure:
		logging.WarnWithContext(m.logger, "master did not know forward", "forward_close_failed",
			logging.String(logging.FieldForward, spec.String()),
			logging.String("reason", r.Reason),
			logging.String(logging.FieldErrorHint, "the forward may have been cancelled outside this process"),
			logging.String(logging.FieldImpact, "forward treated as closed"),
		)
	default:
		if m.entries[spec] == e {
			e.state = StateOpen
		}
		if rerr := dispatch.ResponseError("close forward "+spec.String(), resp); rerr != nil {
			return rerr
		}
		return dispatch.Unexpected("close forward", resp)
	}
	e.state = StateClosed
	if m.entries[spec] == e {
		delete(m.entries, spec)
	}
	m.logger.Info("forward closed", logging.String(logging.FieldForward, spec.String()))
	return nil
}

// Cancel asks the master to stop spec even if this manager never opened
// it, such as a forward left running by an earlier process. Unlike Close, a
// master that does not know the forward is reported as an error.
func (m *Manager) Cancel(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	e, ok := m.entries[spec]
	tracked := ok && (e.state == StateOpen || e.state == StateOpening)
	m.mu.Unlock()
	if tracked {
		return m.Close(ctx, Handle{Spec: spec, State: StateOpen})
	}

	resp, err := m.sub.Submit(ctx, &wire.CloseForward{
		Direction: spec.Direction,
		Listen:    spec.Listen,
		Connect:   spec.Connect,
	})
	if err != nil {
		return fmt.Errorf("cancel forward %s: %w", spec, err)
	}
	if _, ok := resp.(*wire.OK); ok {
		m.logger.Info("forward cancelled", logging.String(logging.FieldForward, spec.String()))
		return nil
	}
	if rerr := dispatch.ResponseError("cancel forward "+spec.String(), resp); rerr != nil {
		return rerr
	}
	return dispatch.Unexpected("cancel forward", resp)
}

// List returns the forwards currently tracked, ordered by spec.
func (m *Manager) List() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.entries))
	for spec, e := range m.entries {
		out = append(out, Handle{Spec: spec, State: e.state, AssignedPort: e.assigned})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.String() < out[j].Spec.String() })
	return out
}

func dedupKey(s Spec) string {
	return fmt.Sprintf("%d|%q|%d|%q|%d", s.Direction, s.Listen.Host, s.Listen.Port, s.Connect.Host, s.Connect.Port)
}
