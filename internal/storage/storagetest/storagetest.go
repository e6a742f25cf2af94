// Package storagetest opens throwaway migrated stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/JonMunkholm/scah/internal/storage"
)

// Open returns a migrated SQLite store in a temp dir, closed on cleanup.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Options{
		Driver:       storage.SQLite,
		Path:         filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout:  2 * time.Second,
		TxTimeout:    10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Str returns a pointer to s.
func Str(s string) *string { return &s }
