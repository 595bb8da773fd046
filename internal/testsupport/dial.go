package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sshmux/internal/mux/dispatch"
	"sshmux/internal/mux/transport"
)

// SocketPath returns a fresh control socket path short enough for sun_path.
func SocketPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(ShortTempDir(t), "mux")
}

// StartDispatcher dials the control socket at path and completes the HELLO
// exchange. The dispatcher is closed at cleanup.
func StartDispatcher(t testing.TB, path string, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	d := dispatch.New(conn, opts...)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}
