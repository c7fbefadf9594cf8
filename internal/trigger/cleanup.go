package trigger

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
)

// prune drops trigger state that no registered executor or catalogue
// trigger can own any more: roots nobody runs, nodes a catalogue trigger
// no longer has, and challenges the catalogue no longer marks as such.
func prune(e *ecs.Entity, cat *catalog.Catalog, roots map[string]bool) {
	if ts := e.TriggerState; ts != nil {
		maps.DeleteFunc(ts.ByRoot, func(root string, nodes map[string]json.RawMessage) bool {
			if !roots[root] {
				return true
			}
			if tr, ok := cat.Trigger(root); ok {
				maps.DeleteFunc(nodes, func(node string, _ json.RawMessage) bool {
					_, known := tr.Node(node)
					return !known
				})
			}
			return false
		})
	}

	if ch := e.Challenges; ch != nil {
		stale := func(id string) bool { return !cat.IsChallenge(id) }
		ch.InProgress = slices.DeleteFunc(ch.InProgress, stale)
		ch.Complete = slices.DeleteFunc(ch.Complete, stale)
	}
}
