package ecs

// Validate checks that the change is well formed. items may be nil, in
// which case catalogue lookups are skipped.
func (c Change) Validate(items ItemSet) error {
	if c.ID == 0 {
		return &ValidationError{Reason: "entity id must be positive"}
	}

	switch c.Op {
	case OpCreate:
		if c.Entity == nil {
			return &ValidationError{ID: c.ID, Reason: "create without snapshot"}
		}
		if c.Entity.ID != c.ID {
			return &ValidationError{ID: c.ID, Reason: "snapshot id does not match change id"}
		}
		for _, k := range c.Entity.Present() {
			if err := c.Entity.Get(k).validate(items); err != nil {
				return &ValidationError{ID: c.ID, Component: k.String(), Reason: err.Error()}
			}
		}
	case OpUpdate:
		if len(c.Delta) == 0 {
			return &ValidationError{ID: c.ID, Reason: "update touches no components"}
		}
		for _, k := range c.Delta.Kinds() {
			f := c.Delta[k]
			if f.Clear {
				continue
			}
			if f.Value == nil {
				return &ValidationError{ID: c.ID, Component: k.String(), Reason: "missing value"}
			}
			if f.Value.Kind() != k {
				return &ValidationError{ID: c.ID, Component: k.String(), Reason: "value of kind " + f.Value.Kind().String()}
			}
			if err := f.Value.validate(items); err != nil {
				return &ValidationError{ID: c.ID, Component: k.String(), Reason: err.Error()}
			}
		}
	case OpDelete:
	default:
		return &ValidationError{ID: c.ID, Reason: "unknown op " + c.Op.String()}
	}
	return nil
}
