package ecs

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies an entity. Valid ids are strictly positive.
type ID uint64

// String renders the id in base 10.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a base-10 entity id.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse entity id %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("parse entity id %q: must be positive", s)
	}
	return ID(n), nil
}

// Kind enumerates the component kinds an entity may carry.
type Kind uint8

const (
	KindLabel Kind = iota + 1
	KindPosition
	KindHealth
	KindInventory
	KindRemoteConnection
	KindPlantGrowth
	KindShardOccupancy
	KindTriggerState
	KindChallenges
	KindLifetimeStats
)

var kindNames = map[Kind]string{
	KindLabel:            "label",
	KindPosition:         "position",
	KindHealth:           "health",
	KindInventory:        "inventory",
	KindRemoteConnection: "remote_connection",
	KindPlantGrowth:      "plant_growth",
	KindShardOccupancy:   "shard_occupancy",
	KindTriggerState:     "trigger_state",
	KindChallenges:       "challenges",
	KindLifetimeStats:    "lifetime_stats",
}

// Kinds returns every component kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindLabel,
		KindPosition,
		KindHealth,
		KindInventory,
		KindRemoteConnection,
		KindPlantGrowth,
		KindShardOccupancy,
		KindTriggerState,
		KindChallenges,
		KindLifetimeStats,
	}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a wire name to a Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown component kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, ok := ParseKind(string(text))
	if !ok {
		return &ValidationError{Component: string(text), Reason: "unknown component"}
	}
	*k = parsed
	return nil
}

// Component is implemented by the pointer form of every component struct.
// The set is closed: only this package can add kinds.
type Component interface {
	Kind() Kind
	clone() Component
	validate(items ItemSet) error
}

// Entity is an id plus an optional value per component kind.
// A nil field means the component is absent.
type Entity struct {
	ID               ID                `json:"id"`
	Label            *Label            `json:"label,omitempty"`
	Position         *Position         `json:"position,omitempty"`
	Health           *Health           `json:"health,omitempty"`
	Inventory        *Inventory        `json:"inventory,omitempty"`
	RemoteConnection *RemoteConnection `json:"remote_connection,omitempty"`
	PlantGrowth      *PlantGrowth      `json:"plant_growth,omitempty"`
	ShardOccupancy   *ShardOccupancy   `json:"shard_occupancy,omitempty"`
	TriggerState     *TriggerState     `json:"trigger_state,omitempty"`
	Challenges       *Challenges       `json:"challenges,omitempty"`
	LifetimeStats    *LifetimeStats    `json:"lifetime_stats,omitempty"`
}

// New returns an entity carrying the given components.
func New(id ID, components ...Component) *Entity {
	e := &Entity{ID: id}
	for _, c := range components {
		e.Set(c)
	}
	return e
}

// Has reports whether the component is present.
func (e *Entity) Has(k Kind) bool {
	return e.Get(k) != nil
}

// Get returns the component of kind k, or nil if absent.
func (e *Entity) Get(k Kind) Component {
	switch k {
	case KindLabel:
		if e.Label != nil {
			return e.Label
		}
	case KindPosition:
		if e.Position != nil {
			return e.Position
		}
	case KindHealth:
		if e.Health != nil {
			return e.Health
		}
	case KindInventory:
		if e.Inventory != nil {
			return e.Inventory
		}
	case KindRemoteConnection:
		if e.RemoteConnection != nil {
			return e.RemoteConnection
		}
	case KindPlantGrowth:
		if e.PlantGrowth != nil {
			return e.PlantGrowth
		}
	case KindShardOccupancy:
		if e.ShardOccupancy != nil {
			return e.ShardOccupancy
		}
	case KindTriggerState:
		if e.TriggerState != nil {
			return e.TriggerState
		}
	case KindChallenges:
		if e.Challenges != nil {
			return e.Challenges
		}
	case KindLifetimeStats:
		if e.LifetimeStats != nil {
			return e.LifetimeStats
		}
	}
	return nil
}

// Set stores c in the field for its kind. A nil c is ignored.
func (e *Entity) Set(c Component) {
	switch v := c.(type) {
	case *Label:
		e.Label = v
	case *Position:
		e.Position = v
	case *Health:
		e.Health = v
	case *Inventory:
		e.Inventory = v
	case *RemoteConnection:
		e.RemoteConnection = v
	case *PlantGrowth:
		e.PlantGrowth = v
	case *ShardOccupancy:
		e.ShardOccupancy = v
	case *TriggerState:
		e.TriggerState = v
	case *Challenges:
		e.Challenges = v
	case *LifetimeStats:
		e.LifetimeStats = v
	}
}

// Clear removes the component of kind k.
func (e *Entity) Clear(k Kind) {
	switch k {
	case KindLabel:
		e.Label = nil
	case KindPosition:
		e.Position = nil
	case KindHealth:
		e.Health = nil
	case KindInventory:
		e.Inventory = nil
	case KindRemoteConnection:
		e.RemoteConnection = nil
	case KindPlantGrowth:
		e.PlantGrowth = nil
	case KindShardOccupancy:
		e.ShardOccupancy = nil
	case KindTriggerState:
		e.TriggerState = nil
	case KindChallenges:
		e.Challenges = nil
	case KindLifetimeStats:
		e.LifetimeStats = nil
	}
}

// Present returns the kinds the entity carries, in declaration order.
func (e *Entity) Present() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if e.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a deep copy. Clone of a nil entity is nil.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{ID: e.ID}
	for _, k := range Kinds() {
		if c := e.Get(k); c != nil {
			out.Set(c.clone())
		}
	}
	return out
}

// Equal reports whether two entities carry the same id and components.
func (e *Entity) Equal(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID {
		return false
	}
	for _, k := range Kinds() {
		if !componentsEqual(e.Get(k), other.Get(k)) {
			return false
		}
	}
	return true
}

// componentsEqual compares two components by their encoded form. Map keys
// are sorted by encoding/json, so equal values always encode identically.
func componentsEqual(a, b Component) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// newComponent returns an empty component of kind k for decoding.
func newComponent(k Kind) Component {
	switch k {
	case KindLabel:
		return &Label{}
	case KindPosition:
		return &Position{}
	case KindHealth:
		return &Health{}
	case KindInventory:
		return &Inventory{}
	case KindRemoteConnection:
		return &RemoteConnection{}
	case KindPlantGrowth:
		return &PlantGrowth{}
	case KindShardOccupancy:
		return &ShardOccupancy{}
	case KindTriggerState:
		return &TriggerState{}
	case KindChallenges:
		return &Challenges{}
	case KindLifetimeStats:
		return &LifetimeStats{}
	}
	return nil
}
