//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCGODriver(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cgo.db"), WithDriver(DriverCGO))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	var version string
	if err := store.DB().QueryRow("select sqlite_version()").Scan(&version); err != nil {
		t.Fatal(err)
	}
	t.Logf("sqlite_version=%s", version)

	root := newRoot(t, store, "alice")
	a := say(t, store, "alice", root.ID, "main_character", "hello")
	chain, err := store.AncestorChain(context.Background(), a.ID, Page{})
	if err != nil {
		t.Fatalf("AncestorChain failed: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("chain length: got %d, want 2", len(chain))
	}
}
