package bus

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/testutil"
)

func openTestBus(t *testing.T, opts ...Option) (*Bus, *testutil.WallClock) {
	t.Helper()
	clock := testutil.NewWallClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, clock
}

func collected(id ecs.ID, item string) event.Event {
	return event.New(event.KindCollected, id, payload.Object{
		"item":  payload.String(item),
		"count": payload.Int(1),
	})
}
