// Package catalog holds the immutable content catalogue: items, trigger
// definitions and which triggers are challenges.
//
// A Catalog is built once at startup (usually from CUE files, see LoadDir)
// and passed explicitly to every component that validates or evaluates
// content. Nothing in the catalogue changes after construction, so one
// value can be shared freely between goroutines and each test can build
// its own.
package catalog

import (
	"fmt"
	"maps"
	"slices"
)

// Item is a collectable or plantable thing.
type Item struct {
	ID       string
	Name     string
	Category string
}

// Node is one counting step of a trigger. It counts events of kind On
// whose payload string fields equal every entry in Match, and completes
// when Count is reached, emitting an event of kind Emit.
type Node struct {
	ID    string
	On    string
	Match map[string]string
	Count int64
	Emit  string
}

// Trigger is a root trigger made of nodes. A trigger marked Challenge
// records a completed challenge once all its nodes are done.
type Trigger struct {
	ID        string
	Challenge bool
	Nodes     []Node
}

// Node returns the node with the given id.
func (t Trigger) Node(id string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Catalog is the immutable content catalogue.
type Catalog struct {
	items    map[string]Item
	triggers map[string]Trigger
}

// New validates and indexes the given content. Inputs are copied.
func New(items []Item, triggers []Trigger) (*Catalog, error) {
	c := &Catalog{
		items:    make(map[string]Item, len(items)),
		triggers: make(map[string]Trigger, len(triggers)),
	}

	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("catalog: item with empty id")
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate item %q", it.ID)
		}
		if it.Category == "" {
			it.Category = "misc"
		}
		c.items[it.ID] = it
	}

	for _, tr := range triggers {
		if tr.ID == "" {
			return nil, fmt.Errorf("catalog: trigger with empty id")
		}
		if _, dup := c.triggers[tr.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate trigger %q", tr.ID)
		}
		if len(tr.Nodes) == 0 {
			return nil, fmt.Errorf("catalog: trigger %q has no nodes", tr.ID)
		}

		nodes := make([]Node, 0, len(tr.Nodes))
		seen := make(map[string]bool, len(tr.Nodes))
		for _, n := range tr.Nodes {
			if n.ID == "" || n.On == "" {
				return nil, fmt.Errorf("catalog: trigger %q has a node without id or event kind", tr.ID)
			}
			if seen[n.ID] {
				return nil, fmt.Errorf("catalog: trigger %q repeats node %q", tr.ID, n.ID)
			}
			seen[n.ID] = true
			if n.Count <= 0 {
				n.Count = 1
			}
			n.Match = maps.Clone(n.Match)
			nodes = append(nodes, n)
		}
		tr.Nodes = nodes
		c.triggers[tr.ID] = tr
	}

	return c, nil
}

// Empty returns a catalogue with no content.
func Empty() *Catalog {
	return &Catalog{items: map[string]Item{}, triggers: map[string]Trigger{}}
}

// HasItem reports whether the item id is known.
func (c *Catalog) HasItem(id string) bool {
	_, ok := c.items[id]
	return ok
}

// Item looks up an item.
func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// Items returns all items ordered by id.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.items))
	for _, id := range slices.Sorted(maps.Keys(c.items)) {
		out = append(out, c.items[id])
	}
	return out
}

// Trigger looks up a root trigger.
func (c *Catalog) Trigger(id string) (Trigger, bool) {
	tr, ok := c.triggers[id]
	return tr, ok
}

// Triggers returns all root triggers ordered by id.
func (c *Catalog) Triggers() []Trigger {
	out := make([]Trigger, 0, len(c.triggers))
	for _, id := range slices.Sorted(maps.Keys(c.triggers)) {
		out = append(out, c.triggers[id])
	}
	return out
}

// HasNode reports whether root exists and contains node.
func (c *Catalog) HasNode(root, node string) bool {
	tr, ok := c.triggers[root]
	if !ok {
		return false
	}
	_, ok = tr.Node(node)
	return ok
}

// IsChallenge reports whether id names a trigger marked as a challenge.
func (c *Catalog) IsChallenge(id string) bool {
	tr, ok := c.triggers[id]
	return ok && tr.Challenge
}
