package testsupport

import (
	"testing"

	"capstan/internal/config"
	"capstan/internal/oplog"
)

// MustOpenHistory opens an oplog.Store for tests and registers cleanup.
func MustOpenHistory(t testing.TB, cfg *config.Config) *oplog.Store {
	t.Helper()

	store, err := oplog.Open(cfg)
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
