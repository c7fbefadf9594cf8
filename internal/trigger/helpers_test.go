package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/store"
	"github.com/roach88/worldstate/internal/testutil"
	"github.com/roach88/worldstate/internal/txn"
)

const player = ecs.ID(7)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		[]catalog.Item{
			{ID: "seed", Name: "Seed"},
			{ID: "carrot", Name: "Carrot", Category: "food"},
			{ID: "berry", Name: "Berry", Category: "food"},
		},
		[]catalog.Trigger{
			{
				ID:        "first_harvest",
				Challenge: true,
				Nodes: []catalog.Node{
					{ID: "collect_carrots", On: event.KindCollected, Match: map[string]string{"item": "carrot"}, Count: 3},
					{ID: "plant_seed", On: "planted"},
				},
			},
			{
				ID: "forager",
				Nodes: []catalog.Node{
					{ID: "berries", On: event.KindCollected, Match: map[string]string{"item": "berry"}, Count: 10, Emit: "forager_done"},
				},
			},
		},
	)
	require.NoError(t, err)
	return cat
}

func newTestStore(t *testing.T, cat *catalog.Catalog) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "world.db"), store.WithItems(cat))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedPlayer creates a connected entity with any extra components.
func seedPlayer(t *testing.T, s *store.Store, id ecs.ID, extra ...ecs.Component) {
	t.Helper()
	e := ecs.New(id, append([]ecs.Component{&ecs.RemoteConnection{Session: "sess-1", Since: 1}}, extra...)...)
	out, err := s.Apply(context.Background(), txn.Transaction{
		Invariants: []txn.Invariant{{ID: id, Version: 0}},
		Changes:    []ecs.Change{ecs.Create(e, 1)},
	})
	require.NoError(t, err)
	require.True(t, out.Applied(), out.Reason)
}

// deliver wraps events the way a consumer group hands them out.
func deliver(events ...event.Event) []event.Delivered {
	out := make([]event.Delivered, len(events))
	for i, ev := range events {
		out[i] = event.Delivered{
			Event:     ev,
			ID:        fmt.Sprintf("1000-0-%d", i),
			Entry:     "1000-0",
			Timestamp: testutil.Epoch,
		}
	}
	return out
}

func collected(id ecs.ID, item string, count int64) event.Event {
	return event.New(event.KindCollected, id, payload.Object{
		"item":  payload.String(item),
		"count": payload.Int(count),
	})
}

// drainOutbox returns every event committed since the last drain.
func drainOutbox(t *testing.T, s *store.Store) []event.Event {
	t.Helper()
	ctx := context.Background()
	entries, err := s.ClaimOutbox(ctx, "test", 1000, time.Minute)
	require.NoError(t, err)
	var out []event.Event
	for _, e := range entries {
		evs, err := e.Events()
		require.NoError(t, err)
		out = append(out, evs...)
		require.NoError(t, s.MarkOutboxPublished(ctx, e.ID, "test"))
	}
	return out
}

func kinds(events []event.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func getEntity(t *testing.T, s *store.Store, id ecs.ID) txn.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}
