package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/bus"
)

// NewBusCommand creates the bus inspection and maintenance commands.
func NewBusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Inspect and maintain the event bus",
	}
	cmd.AddCommand(newBusGroupsCommand(rootOpts))
	cmd.AddCommand(newBusPendingCommand(rootOpts))
	cmd.AddCommand(newBusConsumersCommand(rootOpts))
	cmd.AddCommand(newBusTrimCommand(rootOpts))
	cmd.AddCommand(newBusPruneCommand(rootOpts))
	return cmd
}

// withBus opens the bus for the duration of fn.
func withBus(opts *RootOptions, cmd *cobra.Command, fn func(f *OutputFormatter, b *bus.Bus) error) error {
	f := opts.formatter(cmd)
	b, err := opts.openBus()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open bus", err)
	}
	defer b.Close()
	return fn(f, b)
}

func busFailure(f *OutputFormatter, message string, err error) error {
	if errors.Is(err, bus.ErrNoGroup) {
		return f.Fail(ExitFailure, ErrCodeNotFound, message, err)
	}
	return f.Fail(ExitCommandError, ErrCodeStore, message, err)
}

func newBusGroupsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List consumer groups with their lag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBus(opts, cmd, func(f *OutputFormatter, b *bus.Bus) error {
				groups, err := b.Groups(cmd.Context())
				if err != nil {
					return busFailure(f, "list groups", err)
				}
				return f.Success(groups, func(w io.Writer) {
					if len(groups) == 0 {
						fmt.Fprintln(w, "no consumer groups")
						return
					}
					for _, g := range groups {
						fmt.Fprintf(w, "%-20s last=%s consumers=%d pending=%d lag=%d\n",
							g.Name, g.LastDelivered, g.Consumers, g.Pending, g.Lag)
					}
				})
			})
		},
	}
}

func newBusPendingCommand(opts *RootOptions) *cobra.Command {
	var consumer string
	var limit int
	cmd := &cobra.Command{
		Use:   "pending <group>",
		Short: "Show unacknowledged entries of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := args[0]
			return withBus(opts, cmd, func(f *OutputFormatter, b *bus.Bus) error {
				ctx := cmd.Context()
				if _, err := b.Lag(ctx, group); err != nil {
					return busFailure(f, "pending", err)
				}
				summary, err := b.Pending(ctx, group)
				if err != nil {
					return busFailure(f, "pending", err)
				}
				entries, err := b.PendingEntries(ctx, group, consumer, limit)
				if err != nil {
					return busFailure(f, "pending", err)
				}

				data := map[string]any{"summary": summary, "entries": entries}
				return f.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "%d pending in %s", summary.Count, group)
					if summary.Count > 0 {
						fmt.Fprintf(w, " (%s .. %s)", summary.Lowest, summary.Highest)
					}
					fmt.Fprintln(w)
					for _, e := range entries {
						fmt.Fprintf(w, "  %s consumer=%s idle=%s deliveries=%d\n",
							e.ID, e.Consumer, e.Idle.Round(time.Millisecond), e.Deliveries)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "only entries claimed by this consumer")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries listed")
	return cmd
}

func newBusConsumersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consumers <group>",
		Short: "List the consumers of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := args[0]
			return withBus(opts, cmd, func(f *OutputFormatter, b *bus.Bus) error {
				if _, err := b.Lag(cmd.Context(), group); err != nil {
					return busFailure(f, "list consumers", err)
				}
				consumers, err := b.Consumers(cmd.Context(), group)
				if err != nil {
					return busFailure(f, "list consumers", err)
				}
				return f.Success(consumers, func(w io.Writer) {
					for _, c := range consumers {
						fmt.Fprintf(w, "%-40s pending=%d idle=%s\n", c.Name, c.Pending, c.Idle.Round(time.Second))
					}
				})
			})
		},
	}
}

func newBusTrimCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trim",
		Short: "Drop entries past the retention window or length cap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBus(opts, cmd, func(f *OutputFormatter, b *bus.Bus) error {
				n, err := b.Trim(cmd.Context())
				if err != nil {
					return busFailure(f, "trim", err)
				}
				return f.Success(map[string]int64{"trimmed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "trimmed %d entries\n", n)
				})
			})
		},
	}
}

func newBusPruneCommand(opts *RootOptions) *cobra.Command {
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "prune <group>",
		Short: "Remove idle consumers that hold no pending entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := args[0]
			if idle <= 0 {
				idle = opts.Config.Bus.IdleConsumerTTL
			}
			return withBus(opts, cmd, func(f *OutputFormatter, b *bus.Bus) error {
				removed, err := b.PruneIdleConsumers(cmd.Context(), group, idle)
				if err != nil {
					return busFailure(f, "prune consumers", err)
				}
				return f.Success(map[string]any{"removed": removed}, func(w io.Writer) {
					fmt.Fprintf(w, "removed %d consumers\n", len(removed))
					for _, name := range removed {
						fmt.Fprintf(w, "  %s\n", name)
					}
				})
			})
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", 0, "minimum idle time (default bus.idle_consumer_ttl)")
	return cmd
}
