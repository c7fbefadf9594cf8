package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/worldstate/internal/batcher"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/txn"
)

// EntityView is the output of entity commands.
type EntityView struct {
	ID      ecs.ID      `json:"id"`
	Version uint64      `json:"version"`
	Entity  *ecs.Entity `json:"entity,omitempty"`
}

// NewEntityCommand creates the entity command group.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Read and change entities",
	}
	cmd.AddCommand(newEntityGetCommand(rootOpts))
	cmd.AddCommand(newEntityApplyCommand(rootOpts))
	cmd.AddCommand(newEntityCreateCommand(rootOpts))
	return cmd
}

func newEntityGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an entity and its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			id, err := ecs.ParseID(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid entity id", err)
			}

			st, err := opts.openStore(nil)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
			}
			defer st.Close()

			rec, err := st.Get(cmd.Context(), id)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "read entity", err)
			}
			if !rec.Exists() {
				return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("entity %d not found (version %d)", id, rec.Version), nil)
			}

			view := EntityView{ID: id, Version: rec.Version, Entity: rec.Entity}
			return f.Success(view, func(w io.Writer) {
				fmt.Fprintf(w, "entity %d version %d\n", id, rec.Version)
				data, _ := json.MarshalIndent(rec.Entity, "", "  ")
				fmt.Fprintln(w, string(data))
			})
		},
	}
}

type applyOptions struct {
	file    string
	version uint64
}

func newEntityApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &applyOptions{}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply one change if the entity is still at --version",
		Long: `Apply a single change read from --file ("-" for stdin), guarded by
an invariant that the entity is at --version. Version 0 means the entity
must not exist yet.

Example:
  worldstate entity apply --file heal.json --version 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityApply(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "change file in wire format (required)")
	cmd.Flags().Uint64Var(&opts.version, "version", 0, "expected current version of the entity")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func runEntityApply(rootOpts *RootOptions, opts *applyOptions, cmd *cobra.Command) error {
	f := rootOpts.formatter(cmd)

	data, err := readInput(cmd, opts.file)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "read change", err)
	}
	var ch ecs.Change
	if err := json.Unmarshal(data, &ch); err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "decode change", err)
	}

	cat, err := rootOpts.optionalCatalog()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeCatalog, "load catalogue", err)
	}
	st, err := rootOpts.openStore(cat)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
	}
	defer st.Close()

	t, err := txn.NewBuilder().Require(ch.ID, opts.version).Change(ch).Build(nil)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid change", err)
	}
	out, err := st.Apply(cmd.Context(), t)
	if err != nil {
		if ecs.IsValidation(err) {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid change", err)
		}
		return f.Fail(ExitCommandError, ErrCodeStore, "apply change", err)
	}
	if !out.Applied() {
		return f.Fail(ExitFailure, ErrCodeAborted, out.Reason, nil)
	}

	view := EntityView{ID: ch.ID, Version: out.Versions[ch.ID]}
	return f.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "applied %s to entity %d, now version %d\n", ch.Op, ch.ID, view.Version)
	})
}

type createOptions struct {
	file  string
	event string
}

func newEntityCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity with a freshly allocated id",
		Long: `Create the entity read from --file ("-" for stdin). Its id is
allocated from Redis when ids.redis_addr is configured, otherwise from the
store. --event emits an event of that kind addressed to the new entity in
the same transaction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityCreate(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "entity snapshot file (required)")
	cmd.Flags().StringVar(&opts.event, "event", "", "event kind to emit on creation")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runEntityCreate(rootOpts *RootOptions, opts *createOptions, cmd *cobra.Command) error {
	f := rootOpts.formatter(cmd)
	ctx := cmd.Context()

	data, err := readInput(cmd, opts.file)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "read entity", err)
	}
	e, err := ecs.DecodeEntity(data)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "decode entity", err)
	}

	cat, err := rootOpts.optionalCatalog()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeCatalog, "load catalogue", err)
	}
	st, err := rootOpts.openStore(cat)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
	}
	defer st.Close()

	alloc, closeAlloc, err := rootOpts.idAllocator(ctx, st)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "id allocator", err)
	}
	defer closeAlloc()

	bopts := []batcher.Option{batcher.WithIDAllocator(alloc), batcher.WithLogger(rootOpts.Logger)}
	if cat != nil {
		bopts = append(bopts, batcher.WithItems(cat))
	}
	b := batcher.New(st, bopts...)
	wc := b.Create(e)
	if opts.event != "" {
		if err := b.RecordEvent(wc, event.New(opts.event, 0, nil)); err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "record event", err)
		}
	}

	results, err := b.Commit(ctx, st)
	if err != nil {
		if ecs.IsValidation(err) {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid entity", err)
		}
		return f.Fail(ExitCommandError, ErrCodeStore, "create entity", err)
	}
	if len(results) != 1 || !results[0].Outcome.Applied() {
		reason := "nothing to create"
		if len(results) == 1 {
			reason = results[0].Outcome.Reason
		}
		return f.Fail(ExitFailure, ErrCodeAborted, reason, nil)
	}

	view := EntityView{ID: wc.ID(), Version: results[0].Outcome.Versions[wc.ID()]}
	return f.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "created entity %d\n", view.ID)
	})
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
