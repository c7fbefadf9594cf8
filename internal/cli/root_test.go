package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "worldstate", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	root := NewRootCommand()
	paths := [][]string{
		{"serve"},
		{"entity", "get"},
		{"entity", "apply"},
		{"entity", "create"},
		{"publish"},
		{"bus", "groups"},
		{"bus", "pending"},
		{"bus", "consumers"},
		{"bus", "trim"},
		{"bus", "prune"},
		{"outbox", "stats"},
		{"outbox", "requeue"},
		{"catalog", "check"},
		{"scenario"},
	}
	for _, path := range paths {
		sub := findCommand(root, path...)
		require.NotNil(t, sub, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestRoot_InvalidFormat(t *testing.T) {
	useTempData(t)
	_, err := run(t, "--format", "xml", "bus", "groups")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRoot_BadConfig(t *testing.T) {
	useTempData(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  batch_size: -1\n"), 0o644))

	_, err := run(t, "--config", path, "bus", "groups")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "bus.batch_size")
}

func TestRoot_VerboseLogsToStderr(t *testing.T) {
	useTempData(t)
	_, stderr, err := execute(t, t.Context(), "--verbose", "catalog", "check")
	require.NoError(t, err)
	assert.Contains(t, stderr, "catalogue loaded")
}
