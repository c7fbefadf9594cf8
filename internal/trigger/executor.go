package trigger

import (
	"slices"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

// Executor reacts to one entity's events. It may change the entity
// returned by c.Entity() and emit events; returning an error discards
// everything it did during the run.
type Executor interface {
	ID() string
	Execute(c *Context, events []event.Delivered) error
}

// nodeState is the persisted progress of one counter node.
type nodeState struct {
	Count int64 `json:"count"`
	Done  bool  `json:"done,omitempty"`
}

// CounterExecutor evaluates one catalogue trigger.
type CounterExecutor struct {
	trigger catalog.Trigger
}

// NewCounterExecutor returns the executor for a catalogue trigger.
func NewCounterExecutor(tr catalog.Trigger) *CounterExecutor {
	return &CounterExecutor{trigger: tr}
}

// CatalogExecutors builds one counter executor per catalogue trigger.
func CatalogExecutors(cat *catalog.Catalog) []Executor {
	triggers := cat.Triggers()
	out := make([]Executor, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, NewCounterExecutor(tr))
	}
	return out
}

func (x *CounterExecutor) ID() string {
	return x.trigger.ID
}

func (x *CounterExecutor) Execute(c *Context, events []event.Delivered) error {
	progressed := false
	for _, ev := range events {
		for _, node := range x.trigger.Nodes {
			if !matchNode(node, ev.Event) {
				continue
			}
			err := UpdateState(c, node.ID, func(st *nodeState) error {
				if st.Done {
					return nil
				}
				progressed = true
				st.Count += increment(ev.Event)
				if st.Count < node.Count {
					return nil
				}
				st.Done = true
				return c.Emit(completion(x.trigger.ID, node))
			})
			if err != nil {
				return err
			}
		}
	}

	if x.trigger.Challenge && progressed {
		return x.trackChallenge(c)
	}
	return nil
}

func completion(root string, node catalog.Node) event.Event {
	kind := node.Emit
	if kind == "" {
		kind = event.KindTriggerCompleted
	}
	return event.New(kind, 0, payload.Object{
		"trigger": payload.String(root),
		"node":    payload.String(node.ID),
	})
}

func (x *CounterExecutor) trackChallenge(c *Context) error {
	e := c.Entity()
	if e.Challenges == nil {
		e.Challenges = &ecs.Challenges{}
	}
	ch := e.Challenges
	if slices.Contains(ch.Complete, x.trigger.ID) {
		return nil
	}

	for _, node := range x.trigger.Nodes {
		st, ok := ReadState[nodeState](c, node.ID)
		if !ok || !st.Done {
			if !slices.Contains(ch.InProgress, x.trigger.ID) {
				ch.InProgress = append(ch.InProgress, x.trigger.ID)
			}
			return nil
		}
	}

	ch.InProgress = slices.DeleteFunc(ch.InProgress, func(id string) bool { return id == x.trigger.ID })
	ch.Complete = append(ch.Complete, x.trigger.ID)
	return c.Emit(event.New(event.KindChallengeDone, 0, payload.Object{
		"challenge": payload.String(x.trigger.ID),
	}))
}
