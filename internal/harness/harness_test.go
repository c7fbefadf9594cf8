package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogDir = "../catalog/testdata/content"

func TestRunWithGolden_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err)

		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func inline(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	s.Catalog = testCatalogDir
	return s
}

func TestRun_CustomEmitKind(t *testing.T) {
	s := inline(t, `
name: forager
catalog: unused
entity:
  id: 3
  remote_connection: {session: s, since: 1}
steps:
  - deliver:
      - kind: collected
        payload: {item: berry, count: 10}
    expect:
      emitted: [forager_done, discovered]
assertions:
  - type: emitted
    kind: forager_done
    payload: {trigger: forager}
  - type: final_state
    path: trigger_state.by_root.forager.berries.done
    expect: true
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s := inline(t, `
name: wrong
catalog: unused
entity:
  id: 3
  remote_connection: {session: s, since: 1}
steps:
  - deliver:
      - kind: collected
        payload: {item: carrot}
    expect:
      status: unchanged
      emitted: [trigger_completed]
assertions:
  - type: emitted_count
    kind: discovered
    count: 2
  - type: final_state
    path: lifetime_stats.collected.carrot
    expect: 5
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected status unchanged, got applied")
	assert.Contains(t, result.Errors[1], "expected emitted [trigger_completed], got [discovered]")
	assert.Contains(t, result.Errors[2], "2 × discovered")
	assert.Contains(t, result.Errors[3], "lifetime_stats.collected.carrot = 1")
}

func TestRun_AbsentEntity(t *testing.T) {
	s := inline(t, `
name: nobody
catalog: unused
target: 40
steps:
  - deliver:
      - kind: collected
        payload: {item: carrot}
    expect:
      status: skipped
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Nil(t, result.State)
}

func TestRun_UnknownItemFailsSeed(t *testing.T) {
	s := inline(t, `
name: bad_seed
catalog: unused
entity:
  id: 3
  inventory: {items: {dragon_egg: 1}}
steps:
  - deliver:
      - kind: collected
`)
	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed entity")
}

func TestRun_MissingCatalog(t *testing.T) {
	s := inline(t, `
name: no_catalog
catalog: unused
steps:
  - deliver:
      - kind: collected
`)
	s.Catalog = filepath.Join(t.TempDir(), "missing")

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load catalogue")
}

func TestRunFile(t *testing.T) {
	s, result, err := RunFile(context.Background(), "testdata/scenarios/disconnected.yaml")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", s.Name)
	assert.True(t, result.Pass)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "skipped", result.Trace[1].Status)
}
