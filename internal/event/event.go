// Package event defines domain events and their delivered form.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/payload"
)

// Well-known event kinds produced by the core itself.
const (
	KindCollected        = "collected"
	KindDiscovered       = "discovered"
	KindTriggerCompleted = "trigger_completed"
	KindChallengeDone    = "challenge_completed"
)

// Event is an immutable record of something that happened. Entity is the
// entity the event is about (zero when it concerns none) and routes the
// event to that entity's triggers.
type Event struct {
	Kind    string         `json:"kind"`
	Entity  ecs.ID         `json:"entity,omitempty"`
	Payload payload.Object `json:"payload,omitempty"`
}

// Delivered is an event as handed to a consumer group.
//
// ID is unique per logical event: an appended entry that carries several
// events yields "<entry>-<index>" for each of them, so redelivery of the
// same entry always produces the same ids.
type Delivered struct {
	Event
	ID        string    `json:"id"`
	Entry     string    `json:"entry"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event with an optional payload.
func New(kind string, entity ecs.ID, p payload.Object) Event {
	return Event{Kind: kind, Entity: entity, Payload: p}
}

// EncodeBatch serializes events for storage as a single record.
func EncodeBatch(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode event batch: %w", err)
	}
	return data, nil
}

// DecodeBatch parses a record written by EncodeBatch.
func DecodeBatch(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	return events, nil
}

// GroupByEntity splits delivered events by target entity, keeping arrival
// order inside each group. Events without an entity are dropped.
func GroupByEntity(events []Delivered) (map[ecs.ID][]Delivered, []ecs.ID) {
	groups := make(map[ecs.ID][]Delivered)
	var order []ecs.ID
	for _, ev := range events {
		if ev.Entity == 0 {
			continue
		}
		if _, ok := groups[ev.Entity]; !ok {
			order = append(order, ev.Entity)
		}
		groups[ev.Entity] = append(groups[ev.Entity], ev)
	}
	return groups, order
}
