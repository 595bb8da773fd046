package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"sshmux/internal/mux"
	"sshmux/internal/mux/transport"
	"sshmux/internal/mux/wire"
)

// listen returns a socket path and a channel yielding the accepted peer side.
func listen(t *testing.T) (string, <-chan *net.UnixConn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	return path, accepted
}

func dial(t *testing.T) (*transport.Conn, *net.UnixConn) {
	t.Helper()
	path, accepted := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	peer := <-accepted
	if peer == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() { peer.Close() })
	return c, peer
}

func readFrame(t *testing.T, r io.Reader) wire.Message {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	msg, _, err := wire.Decode(append(hdr[:], body...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	c, peer := dial(t)
	const senders = 40
	reason := strings.Repeat("x", 8000)

	var wg sync.WaitGroup
	for i := 1; i <= senders; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if err := c.Send(&wire.Failure{ID: id, Reason: reason}); err != nil {
				t.Errorf("Send %d: %v", id, err)
			}
		}(uint32(i))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < senders; i++ {
		msg := readFrame(t, peer)
		f, ok := msg.(*wire.Failure)
		if !ok || f.Reason != reason {
			t.Fatalf("frame %d corrupted: %#v", i, msg)
		}
		seen[f.ID] = true
	}
	wg.Wait()
	if len(seen) != senders {
		t.Fatalf("expected %d distinct frames, got %d", senders, len(seen))
	}
}

func TestSendWithFDsPassesDescriptorsAfterFrame(t *testing.T) {
	c, peer := dial(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	req := &wire.NewSession{ID: 1, Command: "true", EscapeChar: wire.NoEscapeChar}
	if err := c.SendWithFDs(req, []int{int(w.Fd())}); err != nil {
		t.Fatalf("SendWithFDs: %v", err)
	}

	if msg, ok := readFrame(t, peer).(*wire.NewSession); !ok || msg.Command != "true" {
		t.Fatalf("unexpected frame %#v", msg)
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := peer.ReadMsgUnix(buf, oob)
	if err != nil || n != 1 {
		t.Fatalf("ReadMsgUnix: n=%d err=%v", n, err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) != 1 {
		t.Fatalf("parse control message: %v (%d)", err, len(cmsgs))
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		t.Fatalf("parse rights: %v", err)
	}
	passed := os.NewFile(uintptr(fds[0]), "passed")
	if _, err := passed.WriteString("via fd"); err != nil {
		t.Fatalf("write passed fd: %v", err)
	}
	passed.Close()
	w.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	if string(got) != "via fd" {
		t.Fatalf("pipe contents = %q", got)
	}
}

func TestReceiveReassemblesFragments(t *testing.T) {
	c, peer := dial(t)
	frame, _ := wire.Encode(&wire.Alive{ID: 3, PID: 99})
	go func() {
		for _, b := range frame {
			peer.Write([]byte{b})
			time.Sleep(time.Millisecond)
		}
	}()
	msg, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if alive, ok := msg.(*wire.Alive); !ok || alive.PID != 99 {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestReceiveSkipsUnknownFrames(t *testing.T) {
	c, peer := dial(t)
	unknown := []byte{0, 0, 0, 4, 0x7f, 0, 0, 0}
	ok, _ := wire.Encode(&wire.OK{ID: 5})
	if _, err := peer.Write(append(unknown, ok...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Receive(); !errors.Is(err, mux.ErrProtocolViolation) || mux.IsFatal(err) {
		t.Fatalf("expected non-fatal violation, got %v", err)
	}
	msg, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got, isOK := msg.(*wire.OK); !isOK || got.ID != 5 {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestReceiveReportsConnectionLoss(t *testing.T) {
	c, peer := dial(t)
	peer.Write([]byte{0, 0})
	peer.Close()
	if _, err := c.Receive(); !errors.Is(err, mux.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestReceiveCorruptLengthIsConnectionLoss(t *testing.T) {
	c, peer := dial(t)
	peer.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := c.Receive()
	if !errors.Is(err, mux.ErrConnectionLost) || !errors.Is(err, mux.ErrProtocolViolation) {
		t.Fatalf("expected fatal violation reported as connection loss, got %v", err)
	}
}

func TestWithClosesOnPanic(t *testing.T) {
	path, accepted := listen(t)
	var captured *transport.Conn
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = transport.With(context.Background(), path, func(c *transport.Conn) error {
			captured = c
			panic("boom")
		})
	}()
	if peer := <-accepted; peer != nil {
		peer.Close()
	}
	if captured == nil {
		t.Fatal("fn was not called")
	}
	if err := captured.Send(&wire.OK{ID: 1}); !errors.Is(err, mux.ErrConnectionLost) {
		t.Fatalf("expected send on closed conn to fail, got %v", err)
	}
}

func TestWithReturnsFnError(t *testing.T) {
	path, accepted := listen(t)
	sentinel := errors.New("fn failed")
	err := transport.With(context.Background(), path, func(*transport.Conn) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if peer := <-accepted; peer != nil {
		peer.Close()
	}
}
