package testsupport

import (
	"testing"

	"voxelpipe/internal/config"
	"voxelpipe/internal/studies"
)

// MustOpenStore opens a study store against the test config and closes it
// when the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *studies.Store {
	t.Helper()
	store, err := studies.Open(cfg)
	if err != nil {
		t.Fatalf("open study store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
