package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/store"
)

// OutboxView is the output of outbox stats.
type OutboxView struct {
	Stats store.OutboxStats `json:"stats"`
	Dead  []store.DeadEntry `json:"dead"`
}

// NewOutboxCommand creates the outbox inspection and repair commands.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outbox and requeue dead entries",
	}
	cmd.AddCommand(newOutboxStatsCommand(rootOpts))
	cmd.AddCommand(newOutboxRequeueCommand(rootOpts))
	return cmd
}

// withStore opens the store, without a catalogue, for the duration of fn.
func withStore(opts *RootOptions, cmd *cobra.Command, fn func(f *OutputFormatter, st *store.Store) error) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(nil)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
	}
	defer st.Close()
	return fn(f, st)
}

func newOutboxStatsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows and list dead ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(f *OutputFormatter, st *store.Store) error {
				ctx := cmd.Context()
				stats, err := st.OutboxStats(ctx)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "outbox stats", err)
				}
				dead, err := st.DeadOutbox(ctx, limit)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "outbox stats", err)
				}

				view := OutboxView{Stats: stats, Dead: dead}
				return f.Success(view, func(w io.Writer) {
					fmt.Fprintf(w, "pending=%d published=%d dead=%d\n", stats.Pending, stats.Published, stats.Dead)
					for _, d := range dead {
						fmt.Fprintf(w, "  %d attempts=%d error=%s\n", d.ID, d.Attempts, d.LastError)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum dead entries listed")
	return cmd
}

func newOutboxRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move dead outbox entries back to pending",
		Long: `Move dead outbox entries back to pending so the relay of a running
"serve" publishes them again. With no ids every dead entry is requeued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid outbox id %q", arg), err)
				}
				ids = append(ids, id)
			}

			return withStore(opts, cmd, func(f *OutputFormatter, st *store.Store) error {
				n, err := st.RequeueOutbox(cmd.Context(), ids...)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "requeue outbox", err)
				}
				return f.Success(map[string]int64{"requeued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d entries\n", n)
				})
			})
		},
	}
}
