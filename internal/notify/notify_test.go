package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

type memorySink struct {
	notes []Notification
	err   error
}

func (m *memorySink) Notify(_ context.Context, notes []Notification) error {
	if m.err != nil {
		return m.err
	}
	m.notes = append(m.notes, notes...)
	return nil
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func challenge(id string) payload.Object {
	return payload.Object{"challenge": payload.String(id)}
}

func TestCollapse(t *testing.T) {
	events := []event.Delivered{
		{Event: event.New("challenge_completed", 1, challenge("a")), ID: "1-0-0"},
		{Event: event.New("challenge_completed", 1, challenge("a")), ID: "1-0-1"},
		{Event: event.New("challenge_completed", 1, challenge("b")), ID: "1-0-2"},
		{Event: event.New("challenge_completed", 2, challenge("a")), ID: "1-0-3"},
		{Event: event.New("discovered", 1, challenge("a")), ID: "1-0-4"},
	}

	notes, err := Collapse(events)
	require.NoError(t, err)
	require.Len(t, notes, 4)
	assert.Equal(t, []string{"1-0-0", "1-0-1"}, notes[0].EventIDs)
	assert.Equal(t, []string{"1-0-2"}, notes[1].EventIDs)
	assert.NotEqual(t, notes[0].Digest, notes[1].Digest)
	assert.Equal(t, notes[0].Digest, notes[2].Digest)
	assert.Equal(t, "discovered", notes[3].Kind)
}

func TestNew_RequiresKinds(t *testing.T) {
	_, err := New(nil, &memorySink{}, Config{})
	assert.ErrorIs(t, err, ErrNoKinds)
}

func TestDispatcher_Handle(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, DefaultGroup, "n1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []event.Event{
		event.New("challenge_completed", 1, challenge("a")),
		event.New("collected", 1, nil),
		event.New("challenge_completed", 1, challenge("a")),
	})
	require.NoError(t, err)
	batch, err := sub.Next(ctx)
	require.NoError(t, err)

	sink := &memorySink{err: errors.New("webhook down")}
	d, err := New(b, sink, Config{Kinds: []string{"challenge_completed"}})
	require.NoError(t, err)

	require.Error(t, d.Handle(ctx, batch))
	pending, err := b.Pending(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	sink.err = nil
	require.NoError(t, d.Handle(ctx, batch))
	require.Len(t, sink.notes, 1)
	assert.Len(t, sink.notes[0].EventIDs, 2)

	// A redelivered batch is recognised and not forwarded again.
	require.NoError(t, d.Handle(ctx, batch))
	assert.Len(t, sink.notes, 1)

	pending, err = b.Pending(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, sink.Notify(context.Background(), []Notification{
		{Entity: 3, Kind: "discovered", Digest: "abc", EventIDs: []string{"1-0-0"}},
	}))
	assert.Contains(t, buf.String(), "kind=discovered")
	assert.Contains(t, buf.String(), "entity=3")
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

func TestDispatcher_KeepsReadingAfterFailedReads(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := b.Subscribe(ctx, DefaultGroup, "n1", bus.SubscribeOptions{Block: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []event.Event{event.New("challenge_completed", 1, challenge("a"))})
	require.NoError(t, err)

	sink := &memorySink{}
	d, err := New(b, sink, Config{Kinds: []string{"challenge_completed"}})
	require.NoError(t, err)
	reader := &failingReader{Reader: sub, failures: 2}
	done := make(chan error, 1)
	go func() { done <- d.consume(ctx, reader) }()

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
	assert.Greater(t, reader.calls, 2)
	require.Len(t, sink.notes, 1)
	assert.Equal(t, "challenge_completed", sink.notes[0].Kind)
}
