// Package txn defines the atomic unit of mutation and the contract every
// entity store implements.
//
// A Transaction bundles version preconditions (invariants), changes and
// domain events. Applying it either records everything or nothing. A
// failed precondition is not an error: Apply reports it as an Aborted
// Outcome and the caller decides whether to retry.
package txn

import (
	"context"
	"fmt"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
)

// Invariant requires entity ID to be at Version when the transaction
// applies. Version 0 means the entity must not exist. Requires lists
// components the entity must carry.
type Invariant struct {
	ID       ecs.ID
	Version  uint64
	Requires []ecs.Kind
}

// Transaction is applied atomically.
type Transaction struct {
	Invariants []Invariant
	Changes    []ecs.Change
	Events     []event.Event
}

// Empty reports whether the transaction would record nothing.
func (t Transaction) Empty() bool {
	return len(t.Changes) == 0 && len(t.Events) == 0
}

// Entities returns the ids the transaction touches or asserts on, in
// first-seen order.
func (t Transaction) Entities() []ecs.ID {
	seen := make(map[ecs.ID]bool)
	var out []ecs.ID
	add := func(id ecs.ID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, inv := range t.Invariants {
		add(inv.ID)
	}
	for _, ch := range t.Changes {
		add(ch.ID)
	}
	return out
}

// Validate rejects malformed transactions before they reach a store:
// invalid changes, two changes to one entity, or contradictory invariants.
func (t Transaction) Validate(items ecs.ItemSet) error {
	seen := make(map[ecs.ID]bool, len(t.Changes))
	for _, ch := range t.Changes {
		if err := ch.Validate(items); err != nil {
			return err
		}
		if seen[ch.ID] {
			return &ecs.ValidationError{ID: ch.ID, Reason: "more than one change for entity; merge them first"}
		}
		seen[ch.ID] = true
	}

	versions := make(map[ecs.ID]uint64, len(t.Invariants))
	for _, inv := range t.Invariants {
		if inv.ID == 0 {
			return &ecs.ValidationError{Reason: "invariant on entity 0"}
		}
		if v, ok := versions[inv.ID]; ok && v != inv.Version {
			return &ecs.ValidationError{ID: inv.ID, Reason: fmt.Sprintf("conflicting invariants %d and %d", v, inv.Version)}
		}
		versions[inv.ID] = inv.Version
	}

	for i, ev := range t.Events {
		if ev.Kind == "" {
			return &ecs.ValidationError{Reason: fmt.Sprintf("event %d has no kind", i)}
		}
	}
	return nil
}

// Status discriminates an Outcome.
type Status int

const (
	StatusApplied Status = iota + 1
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is the result of Apply. Versions holds the new version of each
// changed entity when the transaction applied. Reason explains an abort.
type Outcome struct {
	Status   Status
	Versions map[ecs.ID]uint64
	Reason   string
}

// Applied reports whether the transaction was recorded.
func (o Outcome) Applied() bool {
	return o.Status == StatusApplied
}

// Aborted builds an aborted outcome.
func Aborted(format string, args ...any) Outcome {
	return Outcome{Status: StatusAborted, Reason: fmt.Sprintf(format, args...)}
}

// Record is a versioned snapshot. Entity is nil when the entity does not
// exist; Version is still meaningful for a deleted entity.
type Record struct {
	ID      ecs.ID
	Version uint64
	Entity  *ecs.Entity
}

// Exists reports whether the entity is present.
func (r Record) Exists() bool {
	return r.Entity != nil
}

// Reader is the read side of an entity store. Reads have no side effects
// and never observe a partially applied transaction.
type Reader interface {
	Get(ctx context.Context, id ecs.ID) (Record, error)
	GetAll(ctx context.Context, ids []ecs.ID) ([]Record, error)
}

// Applier applies transactions atomically.
type Applier interface {
	Apply(ctx context.Context, t Transaction) (Outcome, error)
}

// Store is a complete entity store.
type Store interface {
	Reader
	Applier
}
