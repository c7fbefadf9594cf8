package trigger

import (
	"log/slog"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

// StatCollected is the lifetime statistic of collected items, as named in
// the contents of a discovered event.
const StatCollected = "collected"

// foldStats adds collected items to the entity's lifetime statistics. Items
// collected for the first time are reported in one discovered event whose
// contents group them by statistic, in arrival order. Items the catalogue
// does not know are skipped.
func foldStats(e *ecs.Entity, events []event.Delivered, cat *catalog.Catalog, logger *slog.Logger) []event.Event {
	var discovered payload.List
	for _, ev := range events {
		if ev.Kind != event.KindCollected {
			continue
		}
		item, ok := ev.Payload.Str("item")
		if !ok {
			continue
		}
		if !cat.HasItem(item) {
			logger.Warn("skipping unknown collected item", "entity", e.ID, "item", item, "event", ev.ID)
			continue
		}

		if e.LifetimeStats == nil {
			e.LifetimeStats = &ecs.LifetimeStats{}
		}
		if e.LifetimeStats.Collected == nil {
			e.LifetimeStats.Collected = make(map[string]int64)
		}
		if _, seen := e.LifetimeStats.Collected[item]; !seen {
			discovered = append(discovered, payload.String(item))
		}
		e.LifetimeStats.Collected[item] += increment(ev.Event)
	}

	if len(discovered) == 0 {
		return nil
	}
	return []event.Event{event.New(event.KindDiscovered, e.ID, payload.Object{
		"contents": payload.Object{StatCollected: discovered},
	})}
}
