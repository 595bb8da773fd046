package wire

import (
	"fmt"
	"net"
	"strconv"
)

// ProtocolVersion is the only HELLO version this client speaks.
const ProtocolVersion uint32 = 4

// MessageType is the 4-byte tag that follows the frame length.
type MessageType uint32

const (
	TypeHello         MessageType = 0x00000001
	TypeNewSession    MessageType = 0x10000002
	TypeAliveCheck    MessageType = 0x10000004
	TypeTerminate     MessageType = 0x10000005
	TypeOpenForward   MessageType = 0x10000006
	TypeCloseForward  MessageType = 0x10000007
	TypeStopListening MessageType = 0x10000009

	TypeOK               MessageType = 0x80000001
	TypePermissionDenied MessageType = 0x80000002
	TypeFailure          MessageType = 0x80000003
	TypeExitMessage      MessageType = 0x80000004
	TypeAlive            MessageType = 0x80000005
	TypeSessionOpened    MessageType = 0x80000006
	TypeRemotePort       MessageType = 0x80000007
	TypeTTYAllocFail     MessageType = 0x80000008
)

var typeNames = map[MessageType]string{
	TypeHello:            "HELLO",
	TypeNewSession:       "NEW_SESSION",
	TypeAliveCheck:       "ALIVE_CHECK",
	TypeTerminate:        "TERMINATE",
	TypeOpenForward:      "OPEN_FORWARD",
	TypeCloseForward:     "CLOSE_FORWARD",
	TypeStopListening:    "STOP_LISTENING",
	TypeOK:               "OK",
	TypePermissionDenied: "PERMISSION_DENIED",
	TypeFailure:          "FAILURE",
	TypeExitMessage:      "EXIT_MESSAGE",
	TypeAlive:            "ALIVE",
	TypeSessionOpened:    "SESSION_OPENED",
	TypeRemotePort:       "REMOTE_PORT",
	TypeTTYAllocFail:     "TTY_ALLOC_FAIL",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(t))
}

// IsResponse reports whether t is sent by the master rather than a client.
func (t MessageType) IsResponse() bool { return t&0x80000000 != 0 }

// Message is any frame body the codec understands.
type Message interface {
	Type() MessageType
}

// Request is a client message correlated by a request id. The dispatcher
// assigns the id just before encoding.
type Request interface {
	Message
	RequestID() uint32
	SetRequestID(id uint32)
}

// Response is a master reply correlated to a Request by id.
type Response interface {
	Message
	RequestID() uint32
}

// ForwardType selects which side listens.
type ForwardType uint32

const (
	ForwardLocal   ForwardType = 1
	ForwardRemote  ForwardType = 2
	ForwardDynamic ForwardType = 3
)

func (f ForwardType) String() string {
	switch f {
	case ForwardLocal:
		return "local"
	case ForwardRemote:
		return "remote"
	case ForwardDynamic:
		return "dynamic"
	default:
		return "forward(" + strconv.FormatUint(uint64(f), 10) + ")"
	}
}

// Valid reports whether f is a forward type the master accepts.
func (f ForwardType) Valid() bool {
	return f >= ForwardLocal && f <= ForwardDynamic
}

// StreamLocalPort marks an Endpoint whose Host is a unix socket path.
const StreamLocalPort uint32 = 0xfffffffe

// NoEscapeChar disables the escape character on a session.
const NoEscapeChar uint32 = 0xffffffff

// Endpoint is one side of a forward: a host and port, or a unix socket path.
type Endpoint struct {
	Host string
	Port uint32
}

// TCPEndpoint returns a host:port endpoint. Port 0 asks the master to pick.
func TCPEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: uint32(port)}
}

// UnixEndpoint returns an endpoint addressing a unix socket path.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Host: path, Port: StreamLocalPort}
}

// IsUnix reports whether the endpoint names a unix socket.
func (e Endpoint) IsUnix() bool { return e.Port == StreamLocalPort }

func (e Endpoint) String() string {
	if e.IsUnix() {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// Extension is a name/value pair advertised in HELLO.
type Extension struct {
	Name  string
	Value string
}

// Hello opens every control connection in both directions.
type Hello struct {
	Version    uint32
	Extensions []Extension
}

func (*Hello) Type() MessageType { return TypeHello }

// NewSession asks the master to run Command on a new channel. The stdin,
// stdout, and stderr descriptors travel alongside the frame.
type NewSession struct {
	ID         uint32
	TTY        bool
	X11        bool
	Agent      bool
	Subsystem  bool
	EscapeChar uint32
	Term       string
	Command    string
	Env        []string
}

func (*NewSession) Type() MessageType { return TypeNewSession }
func (m *NewSession) RequestID() uint32 { return m.ID }
func (m *NewSession) SetRequestID(id uint32) { m.ID = id }

type AliveCheck struct{ ID uint32 }

func (*AliveCheck) Type() MessageType { return TypeAliveCheck }
func (m *AliveCheck) RequestID() uint32 { return m.ID }
func (m *AliveCheck) SetRequestID(id uint32) { m.ID = id }

// Terminate asks the master to exit once it has acknowledged.
type Terminate struct{ ID uint32 }

func (*Terminate) Type() MessageType { return TypeTerminate }
func (m *Terminate) RequestID() uint32 { return m.ID }
func (m *Terminate) SetRequestID(id uint32) { m.ID = id }

type OpenForward struct {
	ID        uint32
	Direction ForwardType
	Listen    Endpoint
	Connect   Endpoint
}

func (*OpenForward) Type() MessageType { return TypeOpenForward }
func (m *OpenForward) RequestID() uint32 { return m.ID }
func (m *OpenForward) SetRequestID(id uint32) { m.ID = id }

type CloseForward struct {
	ID        uint32
	Direction ForwardType
	Listen    Endpoint
	Connect   Endpoint
}

func (*CloseForward) Type() MessageType { return TypeCloseForward }
func (m *CloseForward) RequestID() uint32 { return m.ID }
func (m *CloseForward) SetRequestID(id uint32) { m.ID = id }

// StopListening asks the master to stop accepting new mux clients while
// serving existing ones.
type StopListening struct{ ID uint32 }

func (*StopListening) Type() MessageType { return TypeStopListening }
func (m *StopListening) RequestID() uint32 { return m.ID }
func (m *StopListening) SetRequestID(id uint32) { m.ID = id }

type OK struct{ ID uint32 }

func (*OK) Type() MessageType { return TypeOK }
func (m *OK) RequestID() uint32 { return m.ID }

type PermissionDenied struct {
	ID     uint32
	Reason string
}

func (*PermissionDenied) Type() MessageType { return TypePermissionDenied }
func (m *PermissionDenied) RequestID() uint32 { return m.ID }

type Failure struct {
	ID     uint32
	Reason string
}

func (*Failure) Type() MessageType { return TypeFailure }
func (m *Failure) RequestID() uint32 { return m.ID }

type Alive struct {
	ID  uint32
	PID uint32
}

func (*Alive) Type() MessageType { return TypeAlive }
func (m *Alive) RequestID() uint32 { return m.ID }

type SessionOpened struct {
	ID        uint32
	SessionID uint32
}

func (*SessionOpened) Type() MessageType { return TypeSessionOpened }
func (m *SessionOpened) RequestID() uint32 { return m.ID }

// RemotePort reports the port the server bound for a remote forward that
// asked for port 0.
type RemotePort struct {
	ID   uint32
	Port uint32
}

func (*RemotePort) Type() MessageType { return TypeRemotePort }
func (m *RemotePort) RequestID() uint32 { return m.ID }

// ExitMessage is unsolicited and keyed by session id, not request id.
type ExitMessage struct {
	SessionID uint32
	ExitCode  uint32
}

func (*ExitMessage) Type() MessageType { return TypeExitMessage }

// TTYAllocFail is unsolicited and keyed by session id.
type TTYAllocFail struct {
	SessionID uint32
}

func (*TTYAllocFail) Type() MessageType { return TypeTTYAllocFail }
