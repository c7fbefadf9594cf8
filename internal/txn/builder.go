package txn

import (
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
)

// Builder assembles a Transaction. Several changes to the same entity are
// merged in tick order when Build is called.
type Builder struct {
	invariants []Invariant
	changes    []ecs.Change
	events     []event.Event
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Require adds an invariant.
func (b *Builder) Require(id ecs.ID, version uint64, components ...ecs.Kind) *Builder {
	b.invariants = append(b.invariants, Invariant{ID: id, Version: version, Requires: components})
	return b
}

// Change adds a change.
func (b *Builder) Change(ch ecs.Change) *Builder {
	b.changes = append(b.changes, ch)
	return b
}

// Emit adds domain events.
func (b *Builder) Emit(events ...event.Event) *Builder {
	b.events = append(b.events, events...)
	return b
}

// Build merges changes per entity and validates the result against items
// (which may be nil).
func (b *Builder) Build(items ecs.ItemSet) (Transaction, error) {
	changes, err := ecs.MergeAll(b.changes)
	if err != nil {
		return Transaction{}, err
	}
	t := Transaction{
		Invariants: append([]Invariant(nil), b.invariants...),
		Changes:    changes,
		Events:     append([]event.Event(nil), b.events...),
	}
	if err := t.Validate(items); err != nil {
		return Transaction{}, err
	}
	return t, nil
}
