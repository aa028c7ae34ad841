// Package storetest provides an in-process substrate for tests.
package storetest

import (
	"testing"

	"github.com/eldtechnologies/arena/internal/store"
)

// New starts a MemoryStore that is closed when the test ends.
func New(tb testing.TB) *store.MemoryStore {
	tb.Helper()
	kv, err := store.NewMemoryStore()
	if err != nil {
		tb.Fatalf("start memory store: %v", err)
	}
	tb.Cleanup(func() { kv.Close() })
	return kv
}
