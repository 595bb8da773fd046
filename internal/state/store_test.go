package state_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sshmux/internal/state"
)

func openStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "nested", "masters.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordListRelease(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	launched := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/b", Target: "beta", PID: 20, LaunchedBy: 7, LaunchedAt: launched}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/a", Target: "alpha", PID: 10, LaunchedAt: launched}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []state.Master{
		{SocketPath: "/s/a", Target: "alpha", PID: 10, LaunchedAt: launched},
		{SocketPath: "/s/b", Target: "beta", PID: 20, LaunchedBy: 7, LaunchedAt: launched},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	released := launched.Add(time.Minute)
	if err := store.MarkReleased(ctx, "/s/b", released); err != nil {
		t.Fatalf("MarkReleased: %v", err)
	}
	m, err := store.Get(ctx, "/s/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Active() || !m.ReleasedAt.Equal(released) {
		t.Fatalf("expected released master, got %+v", m)
	}
}

func TestRecordLaunchReactivatesAndKeepsLauncher(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/x", Target: "x", PID: 1, LaunchedBy: 99, LaunchedAt: first}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	// A second process attaching must not erase who launched it.
	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/x", Target: "x", PID: 1, LaunchedAt: first.Add(time.Hour)}); err != nil {
		t.Fatalf("RecordLaunch attach: %v", err)
	}
	m, err := store.Get(ctx, "/s/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.LaunchedBy != 99 || !m.LaunchedAt.Equal(first) {
		t.Fatalf("attach overwrote launch info: %+v", m)
	}

	if err := store.MarkReleased(ctx, "/s/x", first.Add(2*time.Hour)); err != nil {
		t.Fatalf("MarkReleased: %v", err)
	}
	relaunch := first.Add(3 * time.Hour)
	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/x", Target: "x", PID: 2, LaunchedBy: 100, LaunchedAt: relaunch}); err != nil {
		t.Fatalf("RecordLaunch relaunch: %v", err)
	}
	m, err = store.Get(ctx, "/s/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !m.Active() || m.PID != 2 || m.LaunchedBy != 100 || !m.LaunchedAt.Equal(relaunch) {
		t.Fatalf("unexpected relaunch row: %+v", m)
	}
}

func TestGetMissingAndForget(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if _, err := store.Get(ctx, "/nope"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RecordLaunch(ctx, state.Master{SocketPath: "/s/y", Target: "y"}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if err := store.Forget(ctx, "/s/y"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := store.Get(ctx, "/s/y"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Forget, got %v", err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masters.db")
	store, err := state.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.RecordLaunch(context.Background(), state.Master{SocketPath: "/s/z", Target: "z"}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	store.Close()

	reopened, err := state.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	list, err := reopened.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("List after reopen = %v, %v", list, err)
	}
}

func TestOpenRebuildsOtherVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masters.db")
	store, err := state.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.RecordLaunch(context.Background(), state.Master{SocketPath: "/s/old", Target: "old"}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	db.Close()

	rebuilt, err := state.Open(path)
	if err != nil {
		t.Fatalf("Open after version change: %v", err)
	}
	defer rebuilt.Close()
	list, err := rebuilt.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected rebuilt registry to be empty, got %+v", list)
	}
}
