package ecs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type wireChange struct {
	Kind   string  `json:"kind"`
	Tick   uint64  `json:"tick"`
	ID     ID      `json:"id"`
	Entity *Entity `json:"entity,omitempty"`
	Delta  Delta   `json:"delta,omitempty"`
}

// MarshalJSON encodes the change in wire form.
func (c Change) MarshalJSON() ([]byte, error) {
	if _, ok := opNames[c.Op]; !ok {
		return nil, fmt.Errorf("encode change for %d: unknown op %d", c.ID, uint8(c.Op))
	}
	w := wireChange{Kind: c.Op.String(), Tick: c.Tick, ID: c.ID}
	switch c.Op {
	case OpCreate:
		w.Entity = c.Entity
	case OpUpdate:
		w.Delta = c.Delta
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form strictly: unknown fields, unknown
// components and ops carrying the wrong body are rejected as
// ValidationErrors.
func (c *Change) UnmarshalJSON(data []byte) error {
	var w wireChange
	if err := decodeStrict(data, &w); err != nil {
		return asValidation(err, "decode change")
	}

	op, ok := parseOp(w.Kind)
	if !ok {
		return &ValidationError{ID: w.ID, Reason: fmt.Sprintf("unknown change kind %q", w.Kind)}
	}
	if op != OpCreate && w.Entity != nil {
		return &ValidationError{ID: w.ID, Reason: op.String() + " must not carry an entity"}
	}
	if op != OpUpdate && w.Delta != nil {
		return &ValidationError{ID: w.ID, Reason: op.String() + " must not carry a delta"}
	}

	id := w.ID
	if op == OpCreate {
		if w.Entity == nil {
			return &ValidationError{ID: id, Reason: "create without entity"}
		}
		if id == 0 {
			id = w.Entity.ID
		}
	}

	*c = Change{Op: op, ID: id, Tick: w.Tick, Entity: w.Entity, Delta: w.Delta}
	return nil
}

// MarshalJSON writes cleared components as null and omits untouched ones.
func (d Delta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d))
	for k, f := range d {
		if _, ok := kindNames[k]; !ok {
			return nil, fmt.Errorf("encode delta: unknown component kind %d", uint8(k))
		}
		if f.Clear {
			out[k.String()] = json.RawMessage("null")
			continue
		}
		if f.Value == nil {
			return nil, fmt.Errorf("encode delta: %s has neither value nor clear", k)
		}
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("encode delta %s: %w", k, err)
		}
		out[k.String()] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads null as an explicit clear.
func (d *Delta) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = nil
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Reason: "decode delta: " + err.Error()}
	}

	out := make(Delta, len(raw))
	for name, msg := range raw {
		k, ok := ParseKind(name)
		if !ok {
			return &ValidationError{Component: name, Reason: "unknown component"}
		}
		if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
			out[k] = Field{Clear: true}
			continue
		}
		c := newComponent(k)
		if err := decodeStrict(msg, c); err != nil {
			return &ValidationError{Component: name, Reason: err.Error()}
		}
		out[k] = Field{Value: c}
	}
	*d = out
	return nil
}

// EncodeEntity returns the stored form of a snapshot.
func EncodeEntity(e *Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEntity parses a snapshot, rejecting unknown components.
func DecodeEntity(data []byte) (*Entity, error) {
	var e Entity
	if err := decodeStrict(data, &e); err != nil {
		return nil, asValidation(err, "decode entity")
	}
	return &e, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func asValidation(err error, context string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &ValidationError{Reason: context + ": " + err.Error()}
}
