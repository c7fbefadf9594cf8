package ecs

import "fmt"

// Apply materializes ch against base. It returns nil when the change
// deletes the entity and ErrNoEntity when an update has no base.
// base is never mutated.
func Apply(base *Entity, ch Change) (*Entity, error) {
	switch ch.Op {
	case OpCreate:
		if ch.Entity == nil {
			return nil, &ValidationError{ID: ch.ID, Reason: "create without snapshot"}
		}
		e := ch.Entity.Clone()
		e.ID = ch.ID
		return e, nil
	case OpUpdate:
		if base == nil {
			return nil, fmt.Errorf("apply update to %d: %w", ch.ID, ErrNoEntity)
		}
		e := base.Clone()
		ch.Delta.applyTo(e)
		return e, nil
	case OpDelete:
		return nil, nil
	}
	return nil, &ValidationError{ID: ch.ID, Reason: fmt.Sprintf("unknown op %s", ch.Op)}
}

// Diff returns the change that turns before into after. A nil snapshot
// means the entity does not exist. The boolean is false when the two
// snapshots are identical.
func Diff(before, after *Entity, tick uint64) (Change, bool) {
	switch {
	case before == nil && after == nil:
		return Change{}, false
	case before == nil:
		return Create(after.Clone(), tick), true
	case after == nil:
		return Delete(before.ID, tick), true
	}

	d := Delta{}
	for _, k := range Kinds() {
		b, a := before.Get(k), after.Get(k)
		switch {
		case a == nil && b != nil:
			d.Unset(k)
		case a != nil && !componentsEqual(a, b):
			d.Put(a.clone())
		}
	}
	if len(d) == 0 {
		return Change{}, false
	}
	return Update(before.ID, d, tick), true
}
