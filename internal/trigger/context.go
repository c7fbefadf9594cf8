package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
)

// Context is what an executor sees during one run: its own fork of the
// target entity and a place to emit events.
type Context struct {
	ctx       context.Context
	entity    *ecs.Entity
	root      string
	emitted   []event.Event
	emitLimit int
	logger    *slog.Logger
}

func newContext(ctx context.Context, entity *ecs.Entity, root string, emitLimit int, logger *slog.Logger) *Context {
	return &Context{
		ctx:       ctx,
		entity:    entity,
		root:      root,
		emitLimit: emitLimit,
		logger:    logger.With("trigger", root),
	}
}

// Context returns the request context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Entity returns the executor's fork. Mutations are kept only if Execute
// succeeds.
func (c *Context) Entity() *ecs.Entity {
	return c.entity
}

// Root is the executor's namespace in TriggerState.
func (c *Context) Root() string {
	return c.root
}

// Logger is scoped to the executor.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Emit queues an event. Events with no entity are addressed to the target.
func (c *Context) Emit(ev event.Event) error {
	if ev.Entity == 0 {
		ev.Entity = c.entity.ID
	}
	c.emitted = append(c.emitted, ev)
	if c.emitLimit > 0 && len(c.emitted) > c.emitLimit {
		return &EmitLimitError{Executor: c.root, Emitted: len(c.emitted), Limit: c.emitLimit}
	}
	return nil
}

// UpdateState loads node's state in the executor's namespace into a T,
// lets fn modify it, and stores the result. A missing entry starts as the
// zero T. An entry that no longer decodes into T is logged and reset to
// the zero T; only that node is affected.
func UpdateState[T any](c *Context, node string, fn func(*T) error) error {
	ts := c.entity.TriggerState
	if ts == nil {
		ts = &ecs.TriggerState{}
		c.entity.TriggerState = ts
	}
	if ts.ByRoot == nil {
		ts.ByRoot = make(map[string]map[string]json.RawMessage)
	}
	nodes := ecs.GetOrCreate(ts.ByRoot, c.root, func() map[string]json.RawMessage {
		return make(map[string]json.RawMessage)
	})

	var state T
	if raw, ok := nodes[node]; ok {
		if err := decodeState(raw, &state); err != nil {
			c.logger.Warn("resetting unreadable trigger state",
				"entity", c.entity.ID,
				"node", node,
				"error", err,
			)
			state = *new(T)
		}
	}

	if err := fn(&state); err != nil {
		return err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s/%s: %w", c.root, node, err)
	}
	nodes[node] = raw
	return nil
}

// ReadState decodes node's state without modifying it. ok is false when
// the state is missing or unreadable.
func ReadState[T any](c *Context, node string) (state T, ok bool) {
	ts := c.entity.TriggerState
	if ts == nil {
		return state, false
	}
	raw, found := ts.ByRoot[c.root][node]
	if !found {
		return state, false
	}
	if err := decodeState(raw, &state); err != nil {
		return *new(T), false
	}
	return state, true
}

func decodeState(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
