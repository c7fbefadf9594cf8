package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/bus"
)

const testCatalogDir = "../catalog/testdata/content"

// useTempData points the data files at a fresh temp dir and the catalogue
// at the test content.
func useTempData(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WORLDSTATE_DATA_STORE", filepath.Join(dir, "world.db"))
	t.Setenv("WORLDSTATE_DATA_BUS", filepath.Join(dir, "bus.db"))
	t.Setenv("WORLDSTATE_CATALOG", testCatalogDir)
	t.Setenv("WORLDSTATE_TELEMETRY_METRICS_ADDR", "")
	return dir
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := execute(t, context.Background(), args...)
	return out, err
}

func findCommand(root *cobra.Command, path ...string) *cobra.Command {
	cmd, _, err := root.Find(path)
	if err != nil {
		return nil
	}
	return cmd
}

// openBusForTest opens the bus configured by useTempData.
func openBusForTest(t *testing.T) (*bus.Bus, error) {
	t.Helper()
	return bus.Open(os.Getenv("WORLDSTATE_DATA_BUS"))
}
