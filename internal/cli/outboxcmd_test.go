package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/store"
	"github.com/roach88/worldstate/internal/txn"
)

// deadOutboxRows commits n event batches and parks each one as dead.
func deadOutboxRows(t *testing.T, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(os.Getenv("WORLDSTATE_DATA_STORE"))
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < n; i++ {
		out, err := st.Apply(ctx, txn.Transaction{Events: []event.Event{event.New("waved", 7, nil)}})
		require.NoError(t, err)
		require.True(t, out.Applied())
	}
	entries, err := st.ClaimOutbox(ctx, "test", n, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, n)

	ids := make([]int64, 0, n)
	for _, e := range entries {
		require.NoError(t, st.MarkOutboxDead(ctx, e.ID, "test", errors.New("bad batch")))
		ids = append(ids, e.ID)
	}
	return ids
}

func TestOutbox_StatsAndRequeue(t *testing.T) {
	useTempData(t)
	ids := deadOutboxRows(t, 2)

	out, err := run(t, "outbox", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=0 published=0 dead=2")
	assert.Contains(t, out, "attempts=1 error=bad batch")

	out, err = run(t, "outbox", "requeue", "10000")
	require.NoError(t, err)
	assert.Equal(t, "requeued 0 entries\n", out)

	out, err = run(t, "outbox", "requeue", strconv.FormatInt(ids[0], 10))
	require.NoError(t, err)
	assert.Equal(t, "requeued 1 entries\n", out)

	out, err = run(t, "--format", "json", "outbox", "requeue")
	require.NoError(t, err)
	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data["requeued"])

	out, err = run(t, "outbox", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=2 published=0 dead=0")
}

func TestOutbox_RequeueInvalidID(t *testing.T) {
	useTempData(t)
	out, err := run(t, "outbox", "requeue", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
	assert.Contains(t, out, `invalid outbox id "abc"`)
}
