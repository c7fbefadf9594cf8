package ecs

import (
	"fmt"
	"slices"
)

// Merge folds newer onto older, both targeting the same entity, into a
// single change with newer's tick:
//
//	create + create -> newer create
//	create + update -> create with the delta folded into the snapshot
//	create + delete -> delete
//	update + create -> newer create
//	update + update -> update, newer wins per component, clears persist
//	update + delete -> delete
//	delete + x      -> newer
//
// Merge never mutates its arguments.
func Merge(older, newer Change) (Change, error) {
	if older.ID != newer.ID {
		return Change{}, fmt.Errorf("merge %d with %d: %w", older.ID, newer.ID, ErrEntityMismatch)
	}

	switch older.Op {
	case OpCreate:
		switch newer.Op {
		case OpCreate, OpDelete:
			return newer.Clone(), nil
		case OpUpdate:
			e := older.Entity.Clone()
			if e == nil {
				e = &Entity{ID: older.ID}
			}
			newer.Delta.applyTo(e)
			return Create(e, newer.Tick), nil
		}
	case OpUpdate:
		switch newer.Op {
		case OpCreate, OpDelete:
			return newer.Clone(), nil
		case OpUpdate:
			d := older.Delta.clone()
			if d == nil {
				d = Delta{}
			}
			for k, f := range newer.Delta.clone() {
				d[k] = f
			}
			return Update(older.ID, d, newer.Tick), nil
		}
	case OpDelete:
		if newer.Op == OpCreate || newer.Op == OpUpdate || newer.Op == OpDelete {
			return newer.Clone(), nil
		}
	}
	return Change{}, fmt.Errorf("merge %s with %s for entity %d: unsupported ops", older.Op, newer.Op, older.ID)
}

// MergeAll compresses a sequence of changes so that each entity appears
// once. Changes to one entity are folded in tick order (stable for equal
// ticks); entities keep the order in which they first appear.
func MergeAll(changes []Change) ([]Change, error) {
	var order []ID
	byID := make(map[ID][]Change)
	for _, ch := range changes {
		if _, seen := byID[ch.ID]; !seen {
			order = append(order, ch.ID)
		}
		byID[ch.ID] = append(byID[ch.ID], ch)
	}

	out := make([]Change, 0, len(order))
	for _, id := range order {
		seq := byID[id]
		slices.SortStableFunc(seq, func(a, b Change) int {
			switch {
			case a.Tick < b.Tick:
				return -1
			case a.Tick > b.Tick:
				return 1
			}
			return 0
		})

		merged := seq[0].Clone()
		for _, next := range seq[1:] {
			var err error
			merged, err = Merge(merged, next)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, merged)
	}
	return out, nil
}
