package batcher

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/store"
	"github.com/roach88/worldstate/internal/txn"
)

type countingReader struct {
	txn.Reader
	gets    atomic.Int32
	getAlls atomic.Int32
}

func (r *countingReader) Get(ctx context.Context, id ecs.ID) (txn.Record, error) {
	r.gets.Add(1)
	return r.Reader.Get(ctx, id)
}

func (r *countingReader) GetAll(ctx context.Context, ids []ecs.ID) ([]txn.Record, error) {
	r.getAlls.Add(1)
	return r.Reader.GetAll(ctx, ids)
}

type countingAllocator struct {
	IDAllocator
	calls atomic.Int32
}

func (a *countingAllocator) ReserveIDs(ctx context.Context, n int) ([]ecs.ID, error) {
	a.calls.Add(1)
	return a.IDAllocator.ReserveIDs(ctx, n)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store, entities ...*ecs.Entity) {
	t.Helper()
	for _, e := range entities {
		out, err := s.Apply(context.Background(), txn.Transaction{
			Invariants: []txn.Invariant{{ID: e.ID}},
			Changes:    []ecs.Change{ecs.Create(e, 1)},
		})
		require.NoError(t, err)
		require.True(t, out.Applied())
	}
}

func label(text string) *ecs.Label { return &ecs.Label{Text: text} }

func TestGet_Memoized(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")))
	r := &countingReader{Reader: s}
	b := New(r)
	ctx := context.Background()

	first, err := b.Get(ctx, 1)
	require.NoError(t, err)
	first.Entity.Label.Text = "changed"

	second, err := b.Get(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "changed", second.Entity.Label.Text)
	assert.Equal(t, int32(1), r.gets.Load())
	assert.Equal(t, uint64(1), second.Version())
}

func TestPrefetch_SingleRead(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")), ecs.New(2, label("b")))
	r := &countingReader{Reader: s}
	b := New(r)
	ctx := context.Background()

	require.NoError(t, b.Prefetch(ctx, 1, 2, 3))
	for _, id := range []ecs.ID{1, 2, 3} {
		_, err := b.Get(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), r.getAlls.Load())
	assert.Zero(t, r.gets.Load())
}

func TestFlush_GroupsLinkedEntities(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")), ecs.New(2, label("b")), ecs.New(3, label("c")))
	b := New(s)
	ctx := context.Background()

	a, err := b.Get(ctx, 1)
	require.NoError(t, err)
	bb, err := b.Get(ctx, 2)
	require.NoError(t, err)
	c, err := b.Get(ctx, 3)
	require.NoError(t, err)

	a.Entity.Label.Text = "a2"
	bb.Entity.Set(&ecs.Health{HP: 1, Max: 2})
	c.Entity.Label.Text = "c2"
	require.NoError(t, b.RecordLink(a, bb))

	txns, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	assert.Equal(t, []ecs.ID{1, 2}, txns[0].Entities())
	assert.Equal(t, []txn.Invariant{{ID: 1, Version: 1}, {ID: 2, Version: 1}}, txns[0].Invariants)
	assert.Len(t, txns[0].Changes, 2)
	assert.Equal(t, []ecs.ID{3}, txns[1].Entities())
}

func TestCommit_AbortIsolatedToGroup(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")), ecs.New(2, label("b")), ecs.New(3, label("c")))
	b := New(s)
	ctx := context.Background()

	a, _ := b.Get(ctx, 1)
	bb, _ := b.Get(ctx, 2)
	c, _ := b.Get(ctx, 3)
	a.Entity.Label.Text = "a2"
	bb.Entity.Label.Text = "b2"
	c.Entity.Label.Text = "c2"
	require.NoError(t, b.RecordLink(a, bb))

	// A concurrent writer moves entity 2 past the version the batcher read.
	out, err := s.Apply(ctx, txn.Transaction{
		Invariants: []txn.Invariant{{ID: 2, Version: 1}},
		Changes:    []ecs.Change{ecs.Update(2, ecs.Delta{}.Put(label("other")), 5)},
	})
	require.NoError(t, err)
	require.True(t, out.Applied())

	results, err := b.Commit(ctx, s)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, txn.StatusAborted, results[0].Outcome.Status)
	assert.True(t, results[1].Outcome.Applied())

	rec, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Entity.Label.Text, "aborted group must not partially apply")
	rec, err = s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.Entity.Label.Text)
}

func TestFlush_UntouchedProducesNothing(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")), ecs.New(2, label("b")))
	b := New(s)
	ctx := context.Background()

	a, _ := b.Get(ctx, 1)
	bb, _ := b.Get(ctx, 2)
	require.NoError(t, b.RecordLink(a, bb))

	txns, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestFlush_EventsOnlyStillCommit(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")))
	b := New(s)
	ctx := context.Background()

	a, _ := b.Get(ctx, 1)
	require.NoError(t, b.RecordEvent(a, event.New("poked", 0, nil)))

	txns, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Empty(t, txns[0].Changes)
	assert.Equal(t, ecs.ID(1), txns[0].Events[0].Entity)
	assert.Equal(t, []txn.Invariant{{ID: 1, Version: 1}}, txns[0].Invariants)
}

func TestFlush_CreatesReserveIDsOnce(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(10, label("shard")))
	alloc := &countingAllocator{IDAllocator: s}
	b := New(s, WithIDAllocator(alloc))
	ctx := context.Background()

	shard, _ := b.Get(ctx, 10)
	plant := b.Create(ecs.New(0, &ecs.PlantGrowth{Species: "carrot"}))
	other := b.Create(ecs.New(0, label("rock")))
	assert.Zero(t, plant.ID())

	require.NoError(t, b.RecordLink(plant, shard))
	require.NoError(t, b.RecordEvent(plant, event.New("planted", 0, payload.Object{"species": payload.String("carrot")})))

	txns, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), alloc.calls.Load())
	assert.Equal(t, ecs.ID(11), plant.ID())
	assert.Equal(t, ecs.ID(12), other.ID())

	// shard is untouched but still asserted because it is linked.
	require.Len(t, txns, 2)
	assert.ElementsMatch(t, []txn.Invariant{{ID: 10, Version: 1}, {ID: 11, Version: 0}}, txns[0].Invariants)
	require.Len(t, txns[0].Changes, 1)
	assert.Equal(t, ecs.OpCreate, txns[0].Changes[0].Op)
	assert.Equal(t, ecs.ID(11), txns[0].Events[0].Entity)
	assert.Equal(t, []txn.Invariant{{ID: 12, Version: 0}}, txns[1].Invariants)

	results, err := b.Commit(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, results, "flush reset the cycle")
}

func TestFlush_CreateWithoutAllocator(t *testing.T) {
	b := New(openStore(t))
	b.Create(ecs.New(0, label("x")))

	_, err := b.Flush(context.Background())
	assert.ErrorContains(t, err, "no id allocator")
}

func TestDestroy(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")))
	b := New(s)
	ctx := context.Background()

	a, _ := b.Get(ctx, 1)
	require.NoError(t, b.Destroy(a))

	results, err := b.Commit(ctx, s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ecs.OpDelete, results[0].Transaction.Changes[0].Op)

	rec, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rec.Exists())
}

func TestForeignCopyRejected(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, label("a")))
	ctx := context.Background()

	b1 := New(s)
	b2 := New(s)
	wc, err := b1.Get(ctx, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, b2.Destroy(wc), ErrForeignCopy)

	_, err = b1.Flush(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, b1.RecordEvent(wc, event.New("late", 1, nil)), ErrForeignCopy)
}

func TestFlush_InvalidEditRejected(t *testing.T) {
	s := openStore(t)
	seed(t, s, ecs.New(1, &ecs.Health{HP: 1, Max: 1}))
	b := New(s)
	ctx := context.Background()

	wc, _ := b.Get(ctx, 1)
	wc.Entity.Health.HP = 5

	_, err := b.Flush(ctx)
	assert.True(t, ecs.IsValidation(err))
}

func TestUnionFind(t *testing.T) {
	u := newUnionFind(6)
	u.union(0, 1)
	u.union(2, 3)
	u.union(1, 3)
	u.union(4, 4)

	assert.Equal(t, u.find(0), u.find(3))
	assert.NotEqual(t, u.find(0), u.find(4))
	assert.NotEqual(t, u.find(4), u.find(5))
}
