package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"sshmux/internal/mux"
)

const (
	// DefaultMaxFrame bounds a single frame, matching the master's own limit.
	DefaultMaxFrame = 256 * 1024
	lengthPrefixLen = 4
	typeTagLen      = 4
)

// ErrIncomplete means the buffer does not yet hold a whole frame.
var ErrIncomplete = errors.New("wire: need more data")

// Codec encodes and decodes frames under a size limit. The zero value uses
// DefaultMaxFrame.
type Codec struct {
	MaxFrame int
}

func (c Codec) maxFrame() int {
	if c.MaxFrame <= 0 {
		return DefaultMaxFrame
	}
	return c.MaxFrame
}

// Encode renders m as one complete frame including its length prefix.
func Encode(m Message) ([]byte, error) { return Codec{}.Encode(m) }

// Decode parses the first frame in buf. See Codec.Decode.
func Decode(buf []byte) (Message, int, error) { return Codec{}.Decode(buf) }

// Encode renders m as one complete frame including its length prefix.
func (c Codec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: encode nil message")
	}
	e := encoder{buf: make([]byte, lengthPrefixLen, 64)}
	e.u32(uint32(m.Type()))
	if err := encodeBody(&e, m); err != nil {
		return nil, err
	}
	n := len(e.buf) - lengthPrefixLen
	if n > c.maxFrame() {
		return nil, fmt.Errorf("wire: encode %s: frame of %d bytes exceeds limit %d", m.Type(), n, c.maxFrame())
	}
	binary.BigEndian.PutUint32(e.buf[:lengthPrefixLen], uint32(n))
	return e.buf, nil
}

// Decode parses the first frame in buf and returns the message and the number
// of bytes consumed.
//
// ErrIncomplete means more bytes are needed and nothing was consumed. A fatal
// *mux.ProtocolError means the length prefix itself is unusable and the stream
// must be abandoned. A non-fatal *mux.ProtocolError is returned together with
// the frame's length so the caller can skip the frame and keep reading.
func (c Codec) Decode(buf []byte) (Message, int, error) {
	if len(buf) < lengthPrefixLen {
		return nil, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf[:lengthPrefixLen])
	if n < typeTagLen {
		return nil, 0, mux.FatalViolation("frame length %d shorter than type tag", n)
	}
	if uint64(n) > uint64(c.maxFrame()) {
		return nil, 0, mux.FatalViolation("frame length %d exceeds limit %d", n, c.maxFrame())
	}
	total := lengthPrefixLen + int(n)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	frame := buf[lengthPrefixLen:total]
	typ := MessageType(binary.BigEndian.Uint32(frame[:typeTagLen]))
	d := decoder{buf: frame[typeTagLen:]}
	m, err := decodeBody(&d, typ)
	if err != nil {
		return nil, total, err
	}
	if d.err != nil {
		return nil, total, mux.Violation("%s: %v", typ, d.err)
	}
	return m, total, nil
}

func encodeBody(e *encoder, m Message) error {
	switch m := m.(type) {
	case *Hello:
		e.u32(m.Version)
		for _, ext := range m.Extensions {
			e.str(ext.Name)
			e.str(ext.Value)
		}
	case *NewSession:
		e.u32(m.ID)
		e.str("") // reserved
		e.boolean(m.TTY)
		e.boolean(m.X11)
		e.boolean(m.Agent)
		e.boolean(m.Subsystem)
		e.u32(m.EscapeChar)
		e.str(m.Term)
		e.str(m.Command)
		for _, kv := range m.Env {
			e.str(kv)
		}
	case *AliveCheck:
		e.u32(m.ID)
	case *Terminate:
		e.u32(m.ID)
	case *OpenForward:
		if !m.Direction.Valid() {
			return fmt.Errorf("wire: encode %s: invalid forward type %d", m.Type(), m.Direction)
		}
		e.u32(m.ID)
		e.forward(m.Direction, m.Listen, m.Connect)
	case *CloseForward:
		if !m.Direction.Valid() {
			return fmt.Errorf("wire: encode %s: invalid forward type %d", m.Type(), m.Direction)
		}
		e.u32(m.ID)
		e.forward(m.Direction, m.Listen, m.Connect)
	case *StopListening:
		e.u32(m.ID)
	case *OK:
		e.u32(m.ID)
	case *PermissionDenied:
		e.u32(m.ID)
		e.str(m.Reason)
	case *Failure:
		e.u32(m.ID)
		e.str(m.Reason)
	case *Alive:
		e.u32(m.ID)
		e.u32(m.PID)
	case *SessionOpened:
		e.u32(m.ID)
		e.u32(m.SessionID)
	case *RemotePort:
		e.u32(m.ID)
		e.u32(m.Port)
	case *ExitMessage:
		e.u32(m.SessionID)
		e.u32(m.ExitCode)
	case *TTYAllocFail:
		e.u32(m.SessionID)
	default:
		return fmt.Errorf("wire: encode: unsupported message %T", m)
	}
	return e.err
}

func decodeBody(d *decoder, typ MessageType) (Message, error) {
	var m Message
	switch typ {
	case TypeHello:
		hello := &Hello{Version: d.u32()}
		for d.err == nil && d.remaining() > 0 {
			hello.Extensions = append(hello.Extensions, Extension{Name: d.str(), Value: d.str()})
		}
		return hello, nil
	case TypeNewSession:
		ns := &NewSession{ID: d.u32()}
		_ = d.str() // reserved
		ns.TTY = d.boolean()
		ns.X11 = d.boolean()
		ns.Agent = d.boolean()
		ns.Subsystem = d.boolean()
		ns.EscapeChar = d.u32()
		ns.Term = d.str()
		ns.Command = d.str()
		for d.err == nil && d.remaining() > 0 {
			ns.Env = append(ns.Env, d.str())
		}
		return ns, nil
	case TypeAliveCheck:
		m = &AliveCheck{ID: d.u32()}
	case TypeTerminate:
		m = &Terminate{ID: d.u32()}
	case TypeOpenForward:
		id := d.u32()
		dir, listen, connect := d.forward()
		m = &OpenForward{ID: id, Direction: dir, Listen: listen, Connect: connect}
	case TypeCloseForward:
		id := d.u32()
		dir, listen, connect := d.forward()
		m = &CloseForward{ID: id, Direction: dir, Listen: listen, Connect: connect}
	case TypeStopListening:
		m = &StopListening{ID: d.u32()}
	case TypeOK:
		m = &OK{ID: d.u32()}
	case TypePermissionDenied:
		m = &PermissionDenied{ID: d.u32(), Reason: d.str()}
	case TypeFailure:
		m = &Failure{ID: d.u32(), Reason: d.str()}
	case TypeAlive:
		m = &Alive{ID: d.u32(), PID: d.u32()}
	case TypeSessionOpened:
		m = &SessionOpened{ID: d.u32(), SessionID: d.u32()}
	case TypeRemotePort:
		m = &RemotePort{ID: d.u32(), Port: d.u32()}
	case TypeExitMessage:
		m = &ExitMessage{SessionID: d.u32(), ExitCode: d.u32()}
	case TypeTTYAllocFail:
		m = &TTYAllocFail{SessionID: d.u32()}
	default:
		return nil, mux.Violation("unknown message type %s", typ)
	}
	if d.err == nil && d.remaining() != 0 {
		return nil, mux.Violation("%s: %d trailing bytes", typ, d.remaining())
	}
	return m, nil
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u32(1)
		return
	}
	e.u32(0)
}

func (e *encoder) str(s string) {
	if uint64(len(s)) > math.MaxUint32 {
		e.err = fmt.Errorf("wire: string of %d bytes too long", len(s))
		return
	}
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) forward(dir ForwardType, listen, connect Endpoint) {
	e.u32(uint32(dir))
	e.str(listen.Host)
	e.u32(listen.Port)
	e.str(connect.Host)
	e.u32(connect.Port)
}

type decoder struct {
	buf []byte
	err error
}

var errShortBody = errors.New("body truncated")

func (d *decoder) remaining() int { return len(d.buf) }

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = errShortBody
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) boolean() bool {
	return d.u32() != 0
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(d.buf)) {
		d.err = fmt.Errorf("string length %d exceeds remaining %d bytes", n, len(d.buf))
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) forward() (ForwardType, Endpoint, Endpoint) {
	dir := ForwardType(d.u32())
	listen := Endpoint{Host: d.str(), Port: d.u32()}
	connect := Endpoint{Host: d.str(), Port: d.u32()}
	if d.err == nil && !dir.Valid() {
		d.err = fmt.Errorf("invalid forward type %d", dir)
	}
	return dir, listen, connect
}
