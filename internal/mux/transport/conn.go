package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"sshmux/internal/logging"
	"sshmux/internal/mux"
	"sshmux/internal/mux/wire"
)

const readChunk = 4096

// Conn is one client connection to a control master socket.
type Conn struct {
	conn   *net.UnixConn
	codec  wire.Codec
	logger *slog.Logger
	id     string

	wmu sync.Mutex

	rmu  sync.Mutex
	rbuf []byte

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Conn.
type Option func(*Conn)

// WithCodec overrides the frame size limits.
func WithCodec(codec wire.Codec) Option {
	return func(c *Conn) { c.codec = codec }
}

// WithLogger attaches a logger; the connection id is added to it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", path, err)
	}
	uc, ok := raw.(*net.UnixConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("dial control socket %s: unexpected connection type %T", path, raw)
	}
	c := New(uc, opts...)
	c.logger.Debug("control socket connected", logging.String(logging.FieldSocket, path))
	return c, nil
}

// New wraps an established unix connection.
func New(uc *net.UnixConn, opts ...Option) *Conn {
	c := &Conn{
		conn:   uc,
		logger: logging.NewNop(),
		id:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.String(logging.FieldConnID, c.id))
	return c
}

// With dials path, runs fn, and closes the connection on every exit path,
// including a panic inside fn.
func With(ctx context.Context, path string, fn func(*Conn) error, opts ...Option) (err error) {
	c, err := Dial(ctx, path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return fn(c)
}

// ID returns the random identifier used to correlate this connection in logs.
func (c *Conn) ID() string { return c.id }

// Send encodes m and writes it as one frame.
func (c *Conn) Send(m wire.Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeAll(frame)
}

// SendWithFDs writes m and then passes each descriptor in fds. No other
// frame can be written in between. The caller keeps ownership of fds.
func (c *Conn) SendWithFDs(m wire.Message, fds []int) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writeAll(frame); err != nil {
		return err
	}
	for _, fd := range fds {
		if err := c.sendFD(fd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendFD(fd int) error {
	oob := unix.UnixRights(fd)
	n, oobn, err := c.conn.WriteMsgUnix([]byte{0}, oob, nil)
	if err != nil {
		return fmt.Errorf("pass descriptor %d: %w: %w", fd, mux.ErrConnectionLost, err)
	}
	if n != 1 || oobn != len(oob) {
		return fmt.Errorf("pass descriptor %d: short write (%d data, %d control bytes): %w", fd, n, oobn, mux.ErrConnectionLost)
	}
	return nil
}

func (c *Conn) writeAll(frame []byte) error {
	for len(frame) > 0 {
		n, err := c.conn.Write(frame)
		if err != nil {
			return fmt.Errorf("write frame: %w: %w", mux.ErrConnectionLost, err)
		}
		frame = frame[n:]
	}
	return nil
}

// Receive blocks until the next frame is decoded.
//
// A non-fatal *mux.ProtocolError is returned after the offending frame has
// been skipped; the caller may keep receiving. Any other error wraps
// mux.ErrConnectionLost and ends the stream.
func (c *Conn) Receive() (wire.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	chunk := make([]byte, readChunk)
	for {
		msg, n, err := c.codec.Decode(c.rbuf)
		switch {
		case err == nil:
			c.consume(n)
			return msg, nil
		case errors.Is(err, wire.ErrIncomplete):
		case mux.IsFatal(err):
			return nil, fmt.Errorf("%w: %w", mux.ErrConnectionLost, err)
		default:
			c.consume(n)
			return nil, err
		}

		read, rerr := c.conn.Read(chunk)
		c.rbuf = append(c.rbuf, chunk[:read]...)
		if rerr != nil {
			if read > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) {
				if len(c.rbuf) > 0 {
					return nil, fmt.Errorf("%w: peer closed mid-frame (%d bytes buffered)", mux.ErrConnectionLost, len(c.rbuf))
				}
				return nil, fmt.Errorf("%w: peer closed", mux.ErrConnectionLost)
			}
			return nil, fmt.Errorf("%w: %w", mux.ErrConnectionLost, rerr)
		}
	}
}

func (c *Conn) consume(n int) {
	c.rbuf = c.rbuf[n:]
	if len(c.rbuf) == 0 {
		c.rbuf = nil
	}
}

// Close shuts the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.logger.Debug("control socket closed")
	})
	return c.closeErr
}
