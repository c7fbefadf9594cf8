package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/catalog"
)

// CatalogSummary is the output of catalog check.
type CatalogSummary struct {
	Valid      bool     `json:"valid"`
	Items      int      `json:"items"`
	Triggers   int      `json:"triggers"`
	Challenges []string `json:"challenges,omitempty"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with content catalogues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [dir]",
		Short: "Load and validate a catalogue directory",
		Long: `Load every CUE file in dir (default: the configured catalogue),
unify it with the catalogue schema and report what it defines.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Config.Catalog
			if len(args) == 1 {
				dir = args[0]
			}
			return runCatalogCheck(rootOpts, dir, cmd)
		},
	})
	return cmd
}

func runCatalogCheck(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cat, err := catalog.LoadDir(dir)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeCatalog, "catalogue invalid", err)
	}

	summary := CatalogSummary{
		Valid:    true,
		Items:    len(cat.Items()),
		Triggers: len(cat.Triggers()),
	}
	for _, tr := range cat.Triggers() {
		if tr.Challenge {
			summary.Challenges = append(summary.Challenges, tr.ID)
		}
	}

	opts.Logger.Debug("catalogue loaded", "dir", dir, "items", summary.Items, "triggers", summary.Triggers)
	return f.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s: %d items, %d triggers (%d challenges)\n",
			dir, summary.Items, summary.Triggers, len(summary.Challenges))
	})
}
