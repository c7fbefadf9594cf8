package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

type publishOptions struct {
	entity  uint64
	payload string
	key     string
}

// PublishResult is the output of the publish command.
type PublishResult struct {
	Entry     bus.EntryID `json:"entry"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish <kind>",
		Short: "Append one event directly to the bus",
		Long: `Append an event to the bus without going through the entity store.
With --key the append is idempotent: publishing the same key again
returns the original entry.

Example:
  worldstate publish collected --entity 7 --payload '{"item":"carrot","count":2}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(rootOpts, opts, args[0], cmd)
		},
	}
	cmd.Flags().Uint64Var(&opts.entity, "entity", 0, "entity the event is addressed to")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON object payload")
	cmd.Flags().StringVar(&opts.key, "key", "", "idempotency key")
	return cmd
}

func runPublish(rootOpts *RootOptions, opts *publishOptions, kind string, cmd *cobra.Command) error {
	f := rootOpts.formatter(cmd)

	var p payload.Object
	if opts.payload != "" {
		if err := json.Unmarshal([]byte(opts.payload), &p); err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid payload", err)
		}
	}

	b, err := rootOpts.openBus()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open bus", err)
	}
	defer b.Close()

	events := []event.Event{event.New(kind, ecs.ID(opts.entity), p)}
	var res PublishResult
	if opts.key != "" {
		var fresh bool
		res.Entry, fresh, err = b.PublishKeyed(cmd.Context(), opts.key, events)
		res.Duplicate = !fresh
	} else {
		res.Entry, err = b.Publish(cmd.Context(), events)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "publish", err)
	}

	return f.Success(res, func(w io.Writer) {
		if res.Duplicate {
			fmt.Fprintf(w, "already published as %s\n", res.Entry)
			return
		}
		fmt.Fprintf(w, "published %s\n", res.Entry)
	})
}
