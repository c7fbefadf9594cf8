package ecs

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ItemSet answers whether an item id exists in the loaded content catalogue.
type ItemSet interface {
	HasItem(id string) bool
}

// Label is a display name.
type Label struct {
	Text string `json:"text"`
}

// Position places an entity on a terrain shard.
type Position struct {
	Shard string `json:"shard"`
	X     int64  `json:"x"`
	Y     int64  `json:"y"`
	Z     int64  `json:"z"`
}

// Health tracks hit points.
type Health struct {
	HP  int64 `json:"hp"`
	Max int64 `json:"max"`
}

// Inventory counts held items by item id.
type Inventory struct {
	Items map[string]int64 `json:"items"`
}

// RemoteConnection marks an entity driven by a connected player session.
// Only entities carrying it are trigger targets.
type RemoteConnection struct {
	Session string `json:"session"`
	Since   int64  `json:"since"`
}

// PlantGrowth is the growth state of a planted crop.
type PlantGrowth struct {
	Species string `json:"species"`
	Stage   int64  `json:"stage"`
	Shard   ID     `json:"shard"`
	Cell    string `json:"cell"`
}

// ShardOccupancy maps terrain cells of a shard to the entity occupying them.
type ShardOccupancy struct {
	Cells map[string]ID `json:"cells"`
}

// TriggerState holds per-trigger progress: root id -> node id -> payload.
type TriggerState struct {
	ByRoot map[string]map[string]json.RawMessage `json:"by_root"`
}

// Challenges lists challenge ids in progress and completed.
type Challenges struct {
	InProgress []string `json:"in_progress,omitempty"`
	Complete   []string `json:"complete,omitempty"`
}

// LifetimeStats accumulates counters that never reset.
type LifetimeStats struct {
	Collected map[string]int64 `json:"collected"`
}

func (*Label) Kind() Kind            { return KindLabel }
func (*Position) Kind() Kind         { return KindPosition }
func (*Health) Kind() Kind           { return KindHealth }
func (*Inventory) Kind() Kind        { return KindInventory }
func (*RemoteConnection) Kind() Kind { return KindRemoteConnection }
func (*PlantGrowth) Kind() Kind      { return KindPlantGrowth }
func (*ShardOccupancy) Kind() Kind   { return KindShardOccupancy }
func (*TriggerState) Kind() Kind     { return KindTriggerState }
func (*Challenges) Kind() Kind       { return KindChallenges }
func (*LifetimeStats) Kind() Kind    { return KindLifetimeStats }

func (c *Label) clone() Component            { v := *c; return &v }
func (c *Position) clone() Component         { v := *c; return &v }
func (c *Health) clone() Component           { v := *c; return &v }
func (c *RemoteConnection) clone() Component { v := *c; return &v }
func (c *PlantGrowth) clone() Component      { v := *c; return &v }

func (c *Inventory) clone() Component {
	return &Inventory{Items: maps.Clone(c.Items)}
}

func (c *ShardOccupancy) clone() Component {
	return &ShardOccupancy{Cells: maps.Clone(c.Cells)}
}

func (c *TriggerState) clone() Component {
	if c.ByRoot == nil {
		return &TriggerState{}
	}
	out := make(map[string]map[string]json.RawMessage, len(c.ByRoot))
	for root, nodes := range c.ByRoot {
		copied := make(map[string]json.RawMessage, len(nodes))
		for node, raw := range nodes {
			copied[node] = slices.Clone(raw)
		}
		out[root] = copied
	}
	return &TriggerState{ByRoot: out}
}

func (c *Challenges) clone() Component {
	return &Challenges{
		InProgress: slices.Clone(c.InProgress),
		Complete:   slices.Clone(c.Complete),
	}
}

func (c *LifetimeStats) clone() Component {
	return &LifetimeStats{Collected: maps.Clone(c.Collected)}
}

func (c *Label) validate(ItemSet) error {
	if c.Text == "" {
		return fmt.Errorf("text is empty")
	}
	return nil
}

func (c *Position) validate(ItemSet) error { return nil }

func (c *Health) validate(ItemSet) error {
	if c.Max <= 0 {
		return fmt.Errorf("max must be positive, got %d", c.Max)
	}
	if c.HP < 0 || c.HP > c.Max {
		return fmt.Errorf("hp %d outside [0, %d]", c.HP, c.Max)
	}
	return nil
}

func (c *Inventory) validate(items ItemSet) error {
	for _, id := range slices.Sorted(maps.Keys(c.Items)) {
		if c.Items[id] < 0 {
			return fmt.Errorf("item %q has negative count %d", id, c.Items[id])
		}
		if items != nil && !items.HasItem(id) {
			return fmt.Errorf("unknown item %q", id)
		}
	}
	return nil
}

func (c *RemoteConnection) validate(ItemSet) error {
	if c.Session == "" {
		return fmt.Errorf("session is empty")
	}
	return nil
}

func (c *PlantGrowth) validate(items ItemSet) error {
	if c.Stage < 0 {
		return fmt.Errorf("stage %d is negative", c.Stage)
	}
	if items != nil && !items.HasItem(c.Species) {
		return fmt.Errorf("unknown species %q", c.Species)
	}
	return nil
}

func (c *ShardOccupancy) validate(ItemSet) error {
	for _, cell := range slices.Sorted(maps.Keys(c.Cells)) {
		if c.Cells[cell] == 0 {
			return fmt.Errorf("cell %q points at entity 0", cell)
		}
	}
	return nil
}

func (c *TriggerState) validate(ItemSet) error {
	for root, nodes := range c.ByRoot {
		for node, raw := range nodes {
			if !json.Valid(raw) {
				return fmt.Errorf("state %s/%s is not valid JSON", root, node)
			}
		}
	}
	return nil
}

func (c *Challenges) validate(ItemSet) error { return nil }

func (c *LifetimeStats) validate(ItemSet) error {
	for _, item := range slices.Sorted(maps.Keys(c.Collected)) {
		if c.Collected[item] < 0 {
			return fmt.Errorf("collected %q is negative", item)
		}
	}
	return nil
}
