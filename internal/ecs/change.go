package ecs

import (
	"fmt"
	"slices"
)

// Op is the kind of a Change.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

var opNames = map[Op]string{
	OpCreate: "create",
	OpUpdate: "update",
	OpDelete: "delete",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func parseOp(s string) (Op, bool) {
	for op, name := range opNames {
		if name == s {
			return op, true
		}
	}
	return 0, false
}

// Field is one entry of an update delta: either a new value or an
// explicit clear. A kind missing from the Delta is left untouched.
type Field struct {
	Value Component
	Clear bool
}

// Delta maps component kinds to their new value or clear marker.
type Delta map[Kind]Field

// Put records a new value for the component's kind.
func (d Delta) Put(c Component) Delta {
	d[c.Kind()] = Field{Value: c}
	return d
}

// Unset records an explicit clear of kind k.
func (d Delta) Unset(k Kind) Delta {
	d[k] = Field{Clear: true}
	return d
}

// Kinds returns the kinds the delta touches in declaration order.
func (d Delta) Kinds() []Kind {
	out := make([]Kind, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (d Delta) clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	for k, f := range d {
		if f.Value != nil {
			f.Value = f.Value.clone()
		}
		out[k] = f
	}
	return out
}

// applyTo folds the delta onto e in place.
func (d Delta) applyTo(e *Entity) {
	for _, k := range d.Kinds() {
		f := d[k]
		if f.Clear {
			e.Clear(k)
			continue
		}
		if f.Value != nil {
			e.Set(f.Value.clone())
		}
	}
}

// Change is a create, update or delete against one entity.
//
// Tick is a per-writer monotonic token. It orders merges of changes to
// the same entity and nothing else.
type Change struct {
	Op     Op
	ID     ID
	Tick   uint64
	Entity *Entity // set for OpCreate
	Delta  Delta   // set for OpUpdate
}

// Create returns a change establishing e as a new entity.
func Create(e *Entity, tick uint64) Change {
	return Change{Op: OpCreate, ID: e.ID, Tick: tick, Entity: e}
}

// Update returns a change applying d to entity id.
func Update(id ID, d Delta, tick uint64) Change {
	return Change{Op: OpUpdate, ID: id, Tick: tick, Delta: d}
}

// Delete returns a change removing entity id.
func Delete(id ID, tick uint64) Change {
	return Change{Op: OpDelete, ID: id, Tick: tick}
}

// Clone returns a deep copy of the change.
func (c Change) Clone() Change {
	c.Entity = c.Entity.Clone()
	c.Delta = c.Delta.clone()
	return c
}

// Equal reports whether two changes are identical, including tick.
func (c Change) Equal(other Change) bool {
	if c.Op != other.Op || c.ID != other.ID || c.Tick != other.Tick {
		return false
	}
	if !c.Entity.Equal(other.Entity) {
		return false
	}
	if len(c.Delta) != len(other.Delta) {
		return false
	}
	for k, f := range c.Delta {
		g, ok := other.Delta[k]
		if !ok || f.Clear != g.Clear || !componentsEqual(f.Value, g.Value) {
			return false
		}
	}
	return true
}
