package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/txn"
)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seed creates an entity and returns its version.
func seed(t *testing.T, s *Store, e *ecs.Entity) uint64 {
	t.Helper()
	out, err := s.Apply(context.Background(), txn.Transaction{
		Invariants: []txn.Invariant{{ID: e.ID, Version: 0}},
		Changes:    []ecs.Change{ecs.Create(e, 1)},
	})
	require.NoError(t, err)
	require.True(t, out.Applied(), out.Reason)
	return out.Versions[e.ID]
}

func collected(id ecs.ID, item string, count int64) event.Event {
	return event.New(event.KindCollected, id, payload.Object{
		"item":  payload.String(item),
		"count": payload.Int(count),
	})
}
