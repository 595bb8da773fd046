package testsupport

import (
	"testing"

	"sshmux/internal/config"
	"sshmux/internal/state"
)

// MustOpenState opens the master registry for tests and registers cleanup.
func MustOpenState(t testing.TB, cfg *config.Config) *state.Store {
	t.Helper()

	store, err := state.Open(cfg.State.DBPath)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
