package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"sshmux/internal/logging"
	"sshmux/internal/mux"
	"sshmux/internal/mux/wire"
)

// Conn is the transport a Dispatcher drives. *transport.Conn satisfies it.
type Conn interface {
	Send(wire.Message) error
	SendWithFDs(wire.Message, []int) error
	Receive() (wire.Message, error)
	Close() error
}

// Exit is the outcome of a remote session.
type Exit struct {
	Code int
	Err  error
	// NoTTY is set when the master reported it could not allocate the
	// requested terminal.
	NoTTY bool
}

type result struct {
	resp wire.Response
	exit <-chan Exit
	err  error
}

// Dispatcher multiplexes requests over one control connection.
type Dispatcher struct {
	conn    Conn
	logger  *slog.Logger
	idSpace uint32

	mu      sync.Mutex
	started bool
	nextID  uint32
	pending map[uint32]chan result
	exits   map[uint32]chan Exit
	noTTY   map[uint32]bool
	onLoss  []func(error)
	err     error
	peer    *wire.Hello

	done     chan struct{}
	loopDone chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithIDSpace limits request ids to 1..n. Zero means the full 32-bit range.
func WithIDSpace(n uint32) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.idSpace = n
		}
	}
}

// New returns a Dispatcher for conn. Call Start before submitting.
func New(conn Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:     conn,
		logger:   logging.NewNop(),
		idSpace:  math.MaxUint32,
		nextID:   1,
		pending:  make(map[uint32]chan result),
		exits:    make(map[uint32]chan Exit),
		noTTY:    make(map[uint32]bool),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "dispatch")
	return d
}

// Start exchanges HELLO with the master and launches the read loop. If ctx
// ends first the connection is closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatch: already started")
	}
	d.started = true
	d.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- d.handshake() }()

	select {
	case err := <-errc:
		if err != nil {
			d.fail(err)
			close(d.loopDone)
			return err
		}
	case <-ctx.Done():
		d.conn.Close()
		<-errc
		d.fail(ctx.Err())
		close(d.loopDone)
		return ctx.Err()
	}

	go d.readLoop()
	return nil
}

func (d *Dispatcher) handshake() error {
	if err := d.conn.Send(&wire.Hello{Version: wire.ProtocolVersion}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	msg, err := d.conn.Receive()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return fmt.Errorf("read hello: %w", mux.FatalViolation("expected HELLO, got %s", msg.Type()))
	}
	if hello.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: master speaks %d, want %d", mux.ErrVersionMismatch, hello.Version, wire.ProtocolVersion)
	}
	d.mu.Lock()
	d.peer = hello
	d.mu.Unlock()
	for _, ext := range hello.Extensions {
		d.logger.Debug("master extension", logging.String("name", ext.Name), logging.String("value", ext.Value))
	}
	return nil
}

// Submit sends req and waits for the matching response. PERMISSION_DENIED and
// FAILURE are returned as responses; see ResponseError.
//
// If ctx ends first the waiter is removed and a late response is discarded.
// The request itself is not retracted.
func (d *Dispatcher) Submit(ctx context.Context, req wire.Request) (wire.Response, error) {
	res, err := d.submit(ctx, req, nil)
	return res.resp, err
}

// SubmitWithFDs is Submit for requests that pass descriptors.
func (d *Dispatcher) SubmitWithFDs(ctx context.Context, req wire.Request, fds []int) (wire.Response, error) {
	res, err := d.submit(ctx, req, fds)
	return res.resp, err
}

// OpenSession submits req with the stdio descriptors. When the master answers
// SESSION_OPENED, the returned channel yields the session's exit exactly once.
// The exit slot exists before the response is delivered, so an exit message
// that immediately follows SESSION_OPENED is never lost.
func (d *Dispatcher) OpenSession(ctx context.Context, req *wire.NewSession, fds []int) (wire.Response, <-chan Exit, error) {
	res, err := d.submit(ctx, req, fds)
	return res.resp, res.exit, err
}

// Detach stops tracking a session. Its exit message will be discarded. The
// remote process is not signalled.
func (d *Dispatcher) Detach(sessionID uint32) {
	d.mu.Lock()
	delete(d.exits, sessionID)
	delete(d.noTTY, sessionID)
	d.mu.Unlock()
}

// OnLoss registers fn to run once when the connection is lost. If it is
// already lost, fn runs immediately.
func (d *Dispatcher) OnLoss(fn func(error)) {
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		fn(err)
		return
	}
	d.onLoss = append(d.onLoss, fn)
	d.mu.Unlock()
}

// Done is closed once the connection is lost or closed.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the terminal error, or nil while the connection is healthy.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Pending returns the number of requests awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close tears the connection down and resolves all waiters.
func (d *Dispatcher) Close() error {
	d.fail(mux.ErrClosed)
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.loopDone
	}
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, req wire.Request, fds []int) (result, error) {
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return result{}, err
	}
	if !d.started {
		d.mu.Unlock()
		return result{}, errors.New("dispatch: submit before start")
	}
	id, err := d.allocateID()
	if err != nil {
		d.mu.Unlock()
		return result{}, err
	}
	ch := make(chan result, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	req.SetRequestID(id)
	if fds != nil {
		err = d.conn.SendWithFDs(req, fds)
	} else {
		err = d.conn.Send(req)
	}
	if err != nil {
		if mux.IsFatal(err) {
			d.fail(err)
			return result{}, d.Err()
		}
		d.forget(id)
		return result{}, fmt.Errorf("send %s: %w", req.Type(), err)
	}

	select {
	case res := <-ch:
		return res, res.err
	case <-ctx.Done():
		if !d.forget(id) {
			// The read loop already claimed the waiter and is about to deliver.
			if res := <-ch; res.exit != nil {
				if opened, ok := res.resp.(*wire.SessionOpened); ok {
					d.Detach(opened.SessionID)
				}
			}
		}
		return result{}, ctx.Err()
	}
}

// allocateID must be called with d.mu held.
func (d *Dispatcher) allocateID() (uint32, error) {
	for tries := uint64(0); tries < uint64(d.idSpace); tries++ {
		id := d.nextID
		d.nextID++
		if d.nextID == 0 || d.nextID > d.idSpace {
			d.nextID = 1
		}
		if _, busy := d.pending[id]; !busy {
			return id, nil
		}
	}
	return 0, mux.ErrResourceExhausted
}

// forget removes a waiter and reports whether it was still registered.
func (d *Dispatcher) forget(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	return true
}

func (d *Dispatcher) readLoop() {
	defer close(d.loopDone)
	for {
		msg, err := d.conn.Receive()
		if err != nil {
			if mux.IsFatal(err) || !errors.Is(err, mux.ErrProtocolViolation) {
				d.fail(err)
				return
			}
			d.violation("discarding malformed frame", logging.Error(err))
			continue
		}
		d.route(msg)
	}
}

func (d *Dispatcher) route(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.ExitMessage:
		d.deliverExit(m)
		return
	case *wire.TTYAllocFail:
		d.mu.Lock()
		if _, tracked := d.exits[m.SessionID]; tracked {
			d.noTTY[m.SessionID] = true
		}
		d.mu.Unlock()
		logging.WarnWithContext(d.logger, "master could not allocate a tty", "mux_tty_alloc_failed",
			logging.Uint32(logging.FieldSessionID, m.SessionID),
			logging.String(logging.FieldImpact, "session runs without a terminal"),
		)
		return
	}

	resp, ok := msg.(wire.Response)
	if !ok || !msg.Type().IsResponse() {
		d.violation("unexpected message from master", logging.String("type", msg.Type().String()))
		return
	}

	d.mu.Lock()
	ch, found := d.pending[resp.RequestID()]
	var exit chan Exit
	if found {
		delete(d.pending, resp.RequestID())
		if opened, isOpened := resp.(*wire.SessionOpened); isOpened {
			exit = make(chan Exit, 1)
			d.exits[opened.SessionID] = exit
		}
	}
	d.mu.Unlock()

	if !found {
		d.violation("response for unknown request id",
			logging.Uint32(logging.FieldRequestID, resp.RequestID()),
			logging.String("type", msg.Type().String()),
		)
		return
	}
	ch <- result{resp: resp, exit: exit}
}

func (d *Dispatcher) deliverExit(m *wire.ExitMessage) {
	d.mu.Lock()
	slot, ok := d.exits[m.SessionID]
	noTTY := d.noTTY[m.SessionID]
	delete(d.exits, m.SessionID)
	delete(d.noTTY, m.SessionID)
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("discarding exit for untracked session",
			logging.Uint32(logging.FieldSessionID, m.SessionID),
			logging.Int("exit_code", int(m.ExitCode)),
		)
		return
	}
	slot <- Exit{Code: int(m.ExitCode), NoTTY: noTTY}
}

func (d *Dispatcher) violation(msg string, attrs ...logging.Attr) {
	logging.WarnWithContext(d.logger, msg, "mux_protocol_violation",
		append(attrs,
			logging.String(logging.FieldErrorHint, "master and client may disagree on protocol version"),
			logging.String(logging.FieldImpact, "frame ignored"),
		)...,
	)
}

// fail resolves every waiter with a connection-lost error. Only the first
// call has any effect.
func (d *Dispatcher) fail(cause error) {
	err := cause
	if !errors.Is(err, mux.ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", mux.ErrConnectionLost, cause)
	}

	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return
	}
	d.err = err
	pending := d.pending
	exits := d.exits
	listeners := d.onLoss
	d.pending = make(map[uint32]chan result)
	d.exits = make(map[uint32]chan Exit)
	d.noTTY = make(map[uint32]bool)
	d.onLoss = nil
	close(d.done)
	d.mu.Unlock()

	d.conn.Close()
	if !errors.Is(cause, mux.ErrClosed) {
		d.logger.Debug("control connection lost",
			logging.Error(cause),
			logging.Int("pending", len(pending)),
			logging.Int("sessions", len(exits)),
		)
	}
	for _, ch := range pending {
		ch <- result{err: err}
	}
	for _, slot := range exits {
		slot <- Exit{Err: err}
	}
	for _, fn := range listeners {
		fn(err)
	}
}

// ResponseError converts PERMISSION_DENIED and FAILURE into typed errors.
// Other responses yield nil.
func ResponseError(op string, resp wire.Response) error {
	switch r := resp.(type) {
	case *wire.PermissionDenied:
		return &mux.DeniedError{Op: op, Reason: r.Reason}
	case *wire.Failure:
		return &mux.RemoteError{Op: op, Reason: r.Reason}
	default:
		return nil
	}
}

// Unexpected builds the error for a response type op does not accept.
func Unexpected(op string, resp wire.Response) error {
	return fmt.Errorf("%s: %w", op, mux.Violation("unexpected %s response", resp.Type()))
}
