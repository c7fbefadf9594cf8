package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// recordingProcessor counts calls per entity and fails entities listed in
// fail until they are removed.
type recordingProcessor struct {
	mu    sync.Mutex
	calls map[ecs.ID]int
	seen  map[ecs.ID][]string
	fail  map[ecs.ID]bool
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		calls: make(map[ecs.ID]int),
		seen:  make(map[ecs.ID][]string),
		fail:  make(map[ecs.ID]bool),
	}
}

func (p *recordingProcessor) Process(_ context.Context, id ecs.ID, events []event.Delivered) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if p.fail[id] {
		return Result{}, errors.New("store unavailable")
	}
	for _, ev := range events {
		p.seen[id] = append(p.seen[id], ev.Kind)
	}
	return Result{Status: StatusApplied, Attempts: 1}, nil
}

func TestConsumer_HandleGroupsAndAcks(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, DefaultGroup, "c1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []event.Event{
		event.New("a1", 1, nil),
		event.New("b1", 2, nil),
		event.New("a2", 1, nil),
		event.New("broadcast", 0, nil),
	})
	require.NoError(t, err)

	batch, err := sub.Next(ctx)
	require.NoError(t, err)

	proc := newRecordingProcessor()
	c := NewConsumer(b, proc, ConsumerConfig{Lanes: 2})
	require.NoError(t, c.Handle(ctx, batch))

	assert.Equal(t, []string{"a1", "a2"}, proc.seen[1])
	assert.Equal(t, []string{"b1"}, proc.seen[2])

	pending, err := b.Pending(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	ids := make([]string, 0, 4)
	for _, ev := range batch.Events() {
		ids = append(ids, ev.ID)
	}
	left, err := b.Unprocessed(ctx, DefaultGroup, ids)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConsumer_FailedLaneLeavesBatchUnacked(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, DefaultGroup, "c1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []event.Event{
		event.New("a1", 1, nil),
		event.New("b1", 2, nil),
	})
	require.NoError(t, err)
	batch, err := sub.Next(ctx)
	require.NoError(t, err)

	proc := newRecordingProcessor()
	proc.fail[2] = true
	c := NewConsumer(b, proc, ConsumerConfig{Lanes: 1})

	err = c.Handle(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	pending, err := b.Pending(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// Redelivery skips the entity that already succeeded.
	delete(proc.fail, 2)
	require.NoError(t, c.Handle(ctx, batch))
	assert.Equal(t, 1, proc.calls[1])
	assert.Equal(t, 2, proc.calls[2])
	assert.Equal(t, []string{"b1"}, proc.seen[2])

	pending, err = b.Pending(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsumer_RunFeedsEngine(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)
	b := newTestBus(t)

	_, err := b.Publish(context.Background(), []event.Event{collected(player, "carrot", 3)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(b, New(s, cat), ConsumerConfig{
		Consumer:  "worker-1",
		Subscribe: bus.SubscribeOptions{Block: 10 * time.Millisecond, FromStart: true},
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), player)
		return err == nil && rec.Version == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec := getEntity(t, s, player)
	assert.Equal(t, int64(3), rec.Entity.LifetimeStats.Collected["carrot"])
	assert.Equal(t, []string{event.KindTriggerCompleted, event.KindDiscovered}, kinds(drainOutbox(t, s)))
}

func TestLaneOf(t *testing.T) {
	for id := ecs.ID(1); id < 100; id++ {
		lane := laneOf(id, 4)
		assert.GreaterOrEqual(t, lane, 0)
		assert.Less(t, lane, 4)
		assert.Equal(t, lane, laneOf(id, 4))
	}
}

// failingReader fails the first failures reads, then reads from the
// wrapped subscription.
type failingReader struct {
	bus.Reader
	failures int
	calls    int
}

func (f *failingReader) Next(ctx context.Context) (*bus.Batch, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("database is locked")
	}
	return f.Reader.Next(ctx)
}

func TestConsumer_KeepsReadingAfterFailedReads(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := b.Subscribe(ctx, DefaultGroup, "c1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []event.Event{event.New("a1", 1, nil)})
	require.NoError(t, err)

	proc := newRecordingProcessor()
	c := NewConsumer(b, proc, ConsumerConfig{Lanes: 1})
	reader := &failingReader{Reader: sub, failures: 3}
	done := make(chan error, 1)
	go func() { done <- c.consume(ctx, reader) }()

	require.Eventually(t, func() bool {
		lag, err := b.Lag(context.Background(), DefaultGroup)
		if err != nil || lag != 0 {
			return false
		}
		pending, err := b.Pending(context.Background(), DefaultGroup)
		return err == nil && pending.Count == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Greater(t, reader.calls, 3)
	assert.Equal(t, []string{"a1"}, proc.seen[1])
}

// A reaction committed without its processed marks runs again when the
// batch is redelivered.
func TestConsumer_UnmarkedReactionRunsAgainOnRedelivery(t *testing.T) {
	cat := testCatalog(t)
	s := newTestStore(t, cat)
	seedPlayer(t, s, player)
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, DefaultGroup, "c1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)
	_, err = b.Publish(ctx, []event.Event{collected(player, "carrot", 1)})
	require.NoError(t, err)
	batch, err := sub.Next(ctx)
	require.NoError(t, err)

	engine := New(s, cat)
	_, err = engine.Process(ctx, player, batch.Events())
	require.NoError(t, err)

	c := NewConsumer(b, engine, ConsumerConfig{Lanes: 1})
	require.NoError(t, c.Handle(ctx, batch))

	rec := getEntity(t, s, player)
	assert.Equal(t, int64(2), rec.Entity.LifetimeStats.Collected["carrot"])

	// Once marked, the same batch is skipped.
	require.NoError(t, c.Handle(ctx, batch))
	rec = getEntity(t, s, player)
	assert.Equal(t, int64(2), rec.Entity.LifetimeStats.Collected["carrot"])
}
