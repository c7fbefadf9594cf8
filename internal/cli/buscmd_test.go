package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	useTempData(t)

	out, err := run(t, "publish", "collected", "--entity", "7", "--payload", `{"item":"carrot","count":2}`)
	require.NoError(t, err)
	assert.Regexp(t, `^published \d+-0\n$`, out)

	out, err = run(t, "--format", "json", "publish", "waved", "--key", "k-1")
	require.NoError(t, err)
	var first struct {
		Data PublishResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.False(t, first.Data.Duplicate)

	out, err = run(t, "publish", "waved", "--key", "k-1")
	require.NoError(t, err)
	assert.Equal(t, "already published as "+first.Data.Entry.String()+"\n", out)
}

func TestPublish_InvalidPayload(t *testing.T) {
	useTempData(t)
	out, err := run(t, "publish", "collected", "--payload", `[1,2]`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "invalid payload")
}

func TestBus_GroupsAndPending(t *testing.T) {
	useTempData(t)

	out, err := run(t, "bus", "groups")
	require.NoError(t, err)
	assert.Equal(t, "no consumer groups\n", out)

	_, err = run(t, "bus", "pending", "triggers")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	b, err := openBusForTest(t)
	require.NoError(t, err)
	ctx := t.Context()
	require.NoError(t, b.CreateGroup(ctx, "triggers", true))
	_, err = run(t, "publish", "collected", "--entity", "7")
	require.NoError(t, err)
	_, err = b.ReadNew(ctx, "triggers", "worker-1", 10)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	out, err = run(t, "bus", "groups")
	require.NoError(t, err)
	assert.Contains(t, out, "triggers")
	assert.Contains(t, out, "consumers=1 pending=1 lag=0")

	out, err = run(t, "bus", "pending", "triggers")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending in triggers")
	assert.Contains(t, out, "consumer=worker-1")

	out, err = run(t, "bus", "consumers", "triggers")
	require.NoError(t, err)
	assert.Contains(t, out, "worker-1")
	assert.Contains(t, out, "pending=1")

	// A consumer holding entries is never pruned.
	out, err = run(t, "bus", "prune", "triggers", "--idle", "1ns")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 consumers\n", out)
}

func TestBus_Trim(t *testing.T) {
	useTempData(t)
	for range 3 {
		_, err := run(t, "publish", "tick")
		require.NoError(t, err)
	}

	t.Setenv("WORLDSTATE_BUS_MAX_LEN", "2")
	out, err := run(t, "--format", "json", "bus", "trim")
	require.NoError(t, err)
	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data["trimmed"])
}
