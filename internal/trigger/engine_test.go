package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/txn"
)

func TestEngine_CountsTowardsNode(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)
	eng := New(s, cat)
	ctx := context.Background()

	res, err := eng.Process(ctx, player, deliver(collected(player, "carrot", 2)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, []string{event.KindDiscovered}, kinds(drainOutbox(t, s)))

	res, err = eng.Process(ctx, player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	events := drainOutbox(t, s)
	require.Equal(t, []string{event.KindTriggerCompleted}, kinds(events))
	assert.Equal(t, player, events[0].Entity)
	node, _ := events[0].Payload.Str("node")
	assert.Equal(t, "collect_carrots", node)

	rec := getEntity(t, s, player)
	assert.JSONEq(t, `{"count":3,"done":true}`, string(rec.Entity.TriggerState.ByRoot["first_harvest"]["collect_carrots"]))
	assert.Equal(t, []string{"first_harvest"}, rec.Entity.Challenges.InProgress)
	assert.Equal(t, int64(3), rec.Entity.LifetimeStats.Collected["carrot"])
}

func TestEngine_CompletesChallenge(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)
	eng := New(s, cat)

	res, err := eng.Process(context.Background(), player, deliver(
		collected(player, "carrot", 3),
		event.New("planted", player, payload.Object{"item": payload.String("seed")}),
	))
	require.NoError(t, err)
	require.Equal(t, StatusApplied, res.Status)

	assert.Equal(t, []string{
		event.KindTriggerCompleted,
		event.KindTriggerCompleted,
		event.KindChallengeDone,
		event.KindDiscovered,
	}, kinds(drainOutbox(t, s)))

	rec := getEntity(t, s, player)
	assert.Empty(t, rec.Entity.Challenges.InProgress)
	assert.Equal(t, []string{"first_harvest"}, rec.Entity.Challenges.Complete)

	// Completed nodes stop counting.
	res, err = eng.Process(context.Background(), player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Empty(t, drainOutbox(t, s))
	assert.Equal(t, int64(4), getEntity(t, s, player).Entity.LifetimeStats.Collected["carrot"])
}

func TestEngine_CustomEmitKind(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player, &ecs.LifetimeStats{Collected: map[string]int64{"berry": 1}})

	_, err := New(s, cat).Process(context.Background(), player, deliver(collected(player, "berry", 12)))
	require.NoError(t, err)
	assert.Equal(t, []string{"forager_done"}, kinds(drainOutbox(t, s)))
}

func TestEngine_SkipsAbsentAndDisconnected(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	ctx := context.Background()
	eng := New(s, cat)

	res, err := eng.Process(ctx, player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)

	out, err := s.Apply(ctx, txn.Transaction{
		Invariants: []txn.Invariant{{ID: 8, Version: 0}},
		Changes:    []ecs.Change{ecs.Create(ecs.New(8, &ecs.Label{Text: "npc"}), 1)},
	})
	require.NoError(t, err)
	require.True(t, out.Applied())

	res, err = eng.Process(ctx, 8, deliver(collected(8, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, uint64(1), getEntity(t, s, 8).Version)
}

func TestEngine_UnchangedWhenNothingReacts(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	res, err := New(s, cat).Process(context.Background(), player, deliver(event.New("waved", player, nil)))
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, uint64(1), getEntity(t, s, player).Version)
}

func TestEngine_UnknownItemSkipped(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	res, err := New(s, cat).Process(context.Background(), player, deliver(collected(player, "mystery", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
}

func TestEngine_ResetsUnreadableNodeState(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player, &ecs.TriggerState{ByRoot: map[string]map[string]json.RawMessage{
		"first_harvest": {
			"collect_carrots": json.RawMessage(`{"count":2}`),
			"plant_seed":      json.RawMessage(`{"legacy":true}`),
		},
	}})

	_, err := New(s, cat).Process(context.Background(), player, deliver(
		event.New("planted", player, nil),
	))
	require.NoError(t, err)

	nodes := getEntity(t, s, player).Entity.TriggerState.ByRoot["first_harvest"]
	assert.JSONEq(t, `{"count":1,"done":true}`, string(nodes["plant_seed"]))
	assert.JSONEq(t, `{"count":2}`, string(nodes["collect_carrots"]))
}

func TestEngine_PrunesStaleState(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player,
		&ecs.TriggerState{ByRoot: map[string]map[string]json.RawMessage{
			"retired":       {"n": json.RawMessage(`{"count":1}`)},
			"first_harvest": {"old_node": json.RawMessage(`{"count":1}`)},
		}},
		&ecs.Challenges{InProgress: []string{"forager", "first_harvest"}, Complete: []string{"retired"}},
	)

	res, err := New(s, cat).Process(context.Background(), player, deliver(event.New("waved", player, nil)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	rec := getEntity(t, s, player)
	assert.Equal(t, map[string]map[string]json.RawMessage{"first_harvest": {}}, rec.Entity.TriggerState.ByRoot)
	assert.Equal(t, []string{"first_harvest"}, rec.Entity.Challenges.InProgress)
	assert.Empty(t, rec.Entity.Challenges.Complete)
}

type failingExecutor struct{}

func (failingExecutor) ID() string { return "broken" }

func (failingExecutor) Execute(c *Context, _ []event.Delivered) error {
	c.Entity().Label = &ecs.Label{Text: "should not stick"}
	if err := c.Emit(event.New("noise", 0, nil)); err != nil {
		return err
	}
	return errors.New("broken executor")
}

type chattyExecutor struct{}

func (chattyExecutor) ID() string { return "chatty" }

func (chattyExecutor) Execute(c *Context, _ []event.Delivered) error {
	for range 5 {
		if err := c.Emit(event.New("chat", 0, nil)); err != nil {
			return err
		}
	}
	return nil
}

func TestEngine_DiscardsFailingExecutor(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	executors := append([]Executor{failingExecutor{}}, CatalogExecutors(cat)...)
	res, err := New(s, cat, WithExecutors(executors...)).Process(context.Background(), player, deliver(
		event.New("planted", player, nil),
	))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	assert.Equal(t, []string{event.KindTriggerCompleted}, kinds(drainOutbox(t, s)))
	rec := getEntity(t, s, player)
	assert.Nil(t, rec.Entity.Label)
	assert.Contains(t, rec.Entity.TriggerState.ByRoot, "first_harvest")
}

func TestEngine_EmitLimit(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	res, err := New(s, cat, WithExecutors(chattyExecutor{}), WithEmitLimit(3)).
		Process(context.Background(), player, deliver(event.New("waved", player, nil)))
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)

	res, err = New(s, cat, WithExecutors(chattyExecutor{}), WithEmitLimit(5)).
		Process(context.Background(), player, deliver(event.New("waved", player, nil)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, 5, res.Emitted)
}

func TestEmitLimitError(t *testing.T) {
	err := error(&EmitLimitError{Executor: "chatty", Emitted: 4, Limit: 3})
	assert.True(t, IsEmitLimit(err))
	assert.True(t, IsEmitLimit(errors.Join(errors.New("other"), err)))
	assert.False(t, IsEmitLimit(errors.New("plain")))
	assert.Equal(t, "executor chatty exceeded emit limit: 4 events > 3", err.Error())
}

// abortingStore aborts every apply.
type abortingStore struct {
	txn.Store
	applies atomic.Int32
}

func (a *abortingStore) Apply(ctx context.Context, t txn.Transaction) (txn.Outcome, error) {
	a.applies.Add(1)
	return txn.Aborted("entity %d is busy", player), nil
}

func TestEngine_RetryBound(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)
	as := &abortingStore{Store: s}

	res, err := New(as, cat).Process(context.Background(), player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, int32(DefaultMaxAttempts), as.applies.Load())
	assert.Contains(t, res.Reason, "busy")
	assert.Equal(t, uint64(1), getEntity(t, s, player).Version)

	as.applies.Store(0)
	res, err = New(as, cat, WithMaxAttempts(3)).Process(context.Background(), player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, int32(3), as.applies.Load())
}

// racingStore lets another writer bump the entity right before the first
// apply, so that attempt is stale.
type racingStore struct {
	txn.Store
	raced bool
}

func (r *racingStore) Apply(ctx context.Context, t txn.Transaction) (txn.Outcome, error) {
	if !r.raced {
		r.raced = true
		rec, err := r.Store.Get(ctx, player)
		if err != nil {
			return txn.Outcome{}, err
		}
		out, err := r.Store.Apply(ctx, txn.Transaction{
			Invariants: []txn.Invariant{{ID: player, Version: rec.Version}},
			Changes:    []ecs.Change{ecs.Update(player, ecs.Delta{}.Put(&ecs.Health{HP: 4, Max: 5}), 50)},
		})
		if err != nil || !out.Applied() {
			return out, err
		}
	}
	return r.Store.Apply(ctx, t)
}

func TestEngine_RetriesFromFreshRead(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	res, err := New(&racingStore{Store: s}, cat).Process(context.Background(), player, deliver(collected(player, "carrot", 1)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, uint64(3), res.Version)

	rec := getEntity(t, s, player)
	assert.Equal(t, int64(4), rec.Entity.Health.HP)
	assert.Equal(t, int64(1), rec.Entity.LifetimeStats.Collected["carrot"])
}

type erroringStore struct {
	txn.Store
}

func (erroringStore) Apply(context.Context, txn.Transaction) (txn.Outcome, error) {
	return txn.Outcome{}, errors.New("disk full")
}

func TestEngine_PropagatesStoreErrors(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)

	_, err := New(erroringStore{Store: s}, cat).Process(context.Background(), player, deliver(collected(player, "carrot", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestMatchNode(t *testing.T) {
	cat := testCatalog(t)
	tr, _ := cat.Trigger("first_harvest")
	carrots, _ := tr.Node("collect_carrots")

	tests := []struct {
		name string
		ev   event.Event
		want bool
	}{
		{"matching item", collected(player, "carrot", 1), true},
		{"other item", collected(player, "berry", 1), false},
		{"other kind", event.New("dropped", player, payload.Object{"item": payload.String("carrot")}), false},
		{"missing field", event.New(event.KindCollected, player, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchNode(carrots, tt.ev))
		})
	}

	staged := catalog.Node{ID: "grown", On: "grown", Match: map[string]string{"stage": "3"}, Count: 1}
	assert.True(t, matchNode(staged, event.New("grown", player, payload.Object{"stage": payload.Int(3)})))
	assert.False(t, matchNode(staged, event.New("grown", player, payload.Object{"stage": payload.Int(2)})))
}

func TestIncrement(t *testing.T) {
	assert.Equal(t, int64(4), increment(collected(player, "carrot", 4)))
	assert.Equal(t, int64(1), increment(collected(player, "carrot", 0)))
	assert.Equal(t, int64(1), increment(event.New("planted", player, nil)))
}
