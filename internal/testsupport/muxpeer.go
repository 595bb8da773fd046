package testsupport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"sshmux/internal/mux/wire"
)

// MuxPeer is an in-process stand-in for an ssh control master. It speaks the
// mux wire protocol on a real unix socket, receives stdio descriptors for new
// sessions, and runs session commands locally with /bin/sh -c.
type MuxPeer struct {
	path    string
	pid     uint32
	version uint32
	ln      *net.UnixListener

	mu          sync.Mutex
	received    []wire.Message
	conns       map[*peerConn]struct{}
	forwards    map[forwardKey]struct{}
	nextSession uint32
	nextPort    uint32
	denied      map[wire.MessageType]string
	failed      map[wire.MessageType]string
	gate        chan struct{}
	gateOnce    sync.Once
	listening   bool

	done       chan struct{}
	terminated chan struct{}
	termOnce   sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

type forwardKey struct {
	dir             wire.ForwardType
	listen, connect wire.Endpoint
}

type peerConn struct {
	conn *net.UnixConn
	wmu  sync.Mutex
}

// PeerOption customizes a MuxPeer.
type PeerOption func(*MuxPeer)

// PeerPID sets the pid reported in ALIVE responses.
func PeerPID(pid uint32) PeerOption {
	return func(p *MuxPeer) { p.pid = pid }
}

// PeerVersion sets the version advertised in HELLO.
func PeerVersion(v uint32) PeerOption {
	return func(p *MuxPeer) { p.version = v }
}

// PeerDeny answers requests of typ with PERMISSION_DENIED.
func PeerDeny(typ wire.MessageType, reason string) PeerOption {
	return func(p *MuxPeer) { p.denied[typ] = reason }
}

// PeerFail answers requests of typ with FAILURE.
func PeerFail(typ wire.MessageType, reason string) PeerOption {
	return func(p *MuxPeer) { p.failed[typ] = reason }
}

// PeerHoldForwards delays OPEN_FORWARD replies until ReleaseForwards.
func PeerHoldForwards() PeerOption {
	return func(p *MuxPeer) { p.gate = make(chan struct{}) }
}

// NewMuxPeer listens on path and serves until the test ends.
func NewMuxPeer(t testing.TB, path string, opts ...PeerOption) *MuxPeer {
	t.Helper()
	p, err := ListenMuxPeer(path, opts...)
	if err != nil {
		t.Fatalf("mux peer: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// ListenMuxPeer starts a peer on path. The caller must Close it. It is safe
// to call from goroutines other than the test's.
func ListenMuxPeer(path string, opts ...PeerOption) (*MuxPeer, error) {
	p := &MuxPeer{
		path:       path,
		pid:        uint32(os.Getpid()),
		version:    wire.ProtocolVersion,
		conns:      make(map[*peerConn]struct{}),
		forwards:   make(map[forwardKey]struct{}),
		nextPort:   40000,
		denied:     make(map[wire.MessageType]string),
		failed:     make(map[wire.MessageType]string),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
		listening:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	p.ln = ln
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Path returns the control socket path.
func (p *MuxPeer) Path() string { return p.path }

// PID returns the pid reported in ALIVE responses.
func (p *MuxPeer) PID() uint32 { return p.pid }

// Received returns a copy of every frame the peer decoded.
func (p *MuxPeer) Received() []wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Message(nil), p.received...)
}

// Count returns how many frames of typ the peer received.
func (p *MuxPeer) Count(typ wire.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.received {
		if m.Type() == typ {
			n++
		}
	}
	return n
}

// Connections returns the number of client connections currently open.
func (p *MuxPeer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// OpenForwards returns the number of forwards the peer considers active.
func (p *MuxPeer) OpenForwards() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.forwards)
}

// ReleaseForwards lets held OPEN_FORWARD requests complete.
func (p *MuxPeer) ReleaseForwards() {
	if p.gate != nil {
		p.gateOnce.Do(func() { close(p.gate) })
	}
}

// Terminated is closed once a TERMINATE request has been served.
func (p *MuxPeer) Terminated() <-chan struct{} { return p.terminated }

// DropConnections closes every client connection without a reply,
// simulating a master that died.
func (p *MuxPeer) DropConnections() {
	p.mu.Lock()
	conns := make([]*peerConn, 0, len(p.conns))
	for pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
}

// Close stops listening, removes the socket, and drops all clients.
func (p *MuxPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.stopListening()
		p.DropConnections()
		p.wg.Wait()
	})
}

func (p *MuxPeer) stopListening() {
	p.mu.Lock()
	wasListening := p.listening
	p.listening = false
	p.mu.Unlock()
	if wasListening {
		p.ln.Close()
		os.Remove(p.path)
	}
}

func (p *MuxPeer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.AcceptUnix()
		if err != nil {
			return
		}
		pc := &peerConn{conn: conn}
		p.mu.Lock()
		p.conns[pc] = struct{}{}
		p.mu.Unlock()
		p.wg.Add(1)
		go p.serve(pc)
	}
}

func (p *MuxPeer) serve(pc *peerConn) {
	defer p.wg.Done()
	defer func() {
		pc.conn.Close()
		p.mu.Lock()
		delete(p.conns, pc)
		p.mu.Unlock()
	}()

	if err := pc.send(&wire.Hello{Version: p.version}); err != nil {
		return
	}
	for {
		msg, err := readFrame(pc.conn)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()
		if !p.handle(pc, msg) {
			return
		}
	}
}

func (p *MuxPeer) handle(pc *peerConn, msg wire.Message) bool {
	if req, ok := msg.(wire.Request); ok {
		if reason, denied := p.denied[msg.Type()]; denied {
			if msg.Type() == wire.TypeNewSession {
				closeFDs(discardFDs(pc))
			}
			return pc.send(&wire.PermissionDenied{ID: req.RequestID(), Reason: reason}) == nil
		}
		if reason, failed := p.failed[msg.Type()]; failed {
			if msg.Type() == wire.TypeNewSession {
				closeFDs(discardFDs(pc))
			}
			return pc.send(&wire.Failure{ID: req.RequestID(), Reason: reason}) == nil
		}
	}

	switch m := msg.(type) {
	case *wire.Hello:
		return true
	case *wire.AliveCheck:
		return pc.send(&wire.Alive{ID: m.ID, PID: p.pid}) == nil
	case *wire.NewSession:
		fds, err := recvFDs(pc.conn, 3)
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.nextSession++
		sid := p.nextSession
		p.mu.Unlock()
		if err := pc.send(&wire.SessionOpened{ID: m.ID, SessionID: sid}); err != nil {
			closeFDs(fds)
			return false
		}
		go runSession(pc, sid, m, fds)
		return true
	case *wire.OpenForward:
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-p.done:
				return false
			}
		}
		key := forwardKey{dir: m.Direction, listen: m.Listen, connect: m.Connect}
		p.mu.Lock()
		p.forwards[key] = struct{}{}
		var assigned uint32
		if m.Direction == wire.ForwardRemote && m.Listen.Port == 0 {
			assigned = p.nextPort
			p.nextPort++
		}
		p.mu.Unlock()
		if assigned != 0 {
			return pc.send(&wire.RemotePort{ID: m.ID, Port: assigned}) == nil
		}
		return pc.send(&wire.OK{ID: m.ID}) == nil
	case *wire.CloseForward:
		key := forwardKey{dir: m.Direction, listen: m.Listen, connect: m.Connect}
		p.mu.Lock()
		_, open := p.forwards[key]
		delete(p.forwards, key)
		p.mu.Unlock()
		if !open {
			return pc.send(&wire.Failure{ID: m.ID, Reason: "port forwarding not found"}) == nil
		}
		return pc.send(&wire.OK{ID: m.ID}) == nil
	case *wire.StopListening:
		p.stopListening()
		return pc.send(&wire.OK{ID: m.ID}) == nil
	case *wire.Terminate:
		_ = pc.send(&wire.OK{ID: m.ID})
		p.termOnce.Do(func() {
			p.stopListening()
			close(p.terminated)
			go p.DropConnections()
		})
		return false
	default:
		return true
	}
}

// discardFDs consumes the descriptors that accompany a refused session.
func discardFDs(pc *peerConn) []int {
	fds, _ := recvFDs(pc.conn, 3)
	return fds
}

func runSession(pc *peerConn, sid uint32, req *wire.NewSession, fds []int) {
	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", i))
	}
	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = files[0], files[1], files[2]
	err := cmd.Run()
	for _, f := range files {
		f.Close()
	}

	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			code = 255
		}
	case err != nil:
		code = 127
	}
	_ = pc.send(&wire.ExitMessage{SessionID: sid, ExitCode: uint32(code)})
}

func (pc *peerConn) send(m wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	_, err = pc.conn.Write(frame)
	return err
}

// readFrame reads exactly one frame so descriptor messages that follow it
// stay unread on the socket.
func readFrame(conn *net.UnixConn) (wire.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > wire.DefaultMaxFrame {
		return nil, fmt.Errorf("frame of %d bytes too large", n)
	}
	buf := make([]byte, 4+int(n))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(conn, buf[4:]); err != nil {
		return nil, err
	}
	msg, _, err := wire.Decode(buf)
	return msg, err
}

func recvFDs(conn *net.UnixConn, n int) ([]int, error) {
	fds := make([]int, 0, n)
	for len(fds) < n {
		buf := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			closeFDs(fds)
			return nil, err
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(cmsgs) == 0 {
			closeFDs(fds)
			return nil, fmt.Errorf("descriptor %d missing: %v", len(fds), err)
		}
		got, err := unix.ParseUnixRights(&cmsgs[0])
		if err != nil {
			closeFDs(fds)
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
