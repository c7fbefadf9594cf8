package trigger

import (
	"strconv"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

// matchNode checks if an event counts towards a node.
//
// The event kind must equal node.On, and every Match entry must equal the
// payload field of the same name. Integer payload fields match their
// decimal form, so {"stage": "3"} matches a payload stage of 3.
func matchNode(node catalog.Node, ev event.Event) bool {
	if ev.Kind != node.On {
		return false
	}
	for field, want := range node.Match {
		got, ok := fieldString(ev.Payload, field)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func fieldString(p payload.Object, field string) (string, bool) {
	if s, ok := p.Str(field); ok {
		return s, true
	}
	if n, ok := p.Int(field); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

// increment is how much one matching event advances a counter: the
// payload's positive "count", otherwise one.
func increment(ev event.Event) int64 {
	if n, ok := ev.Payload.Int("count"); ok && n > 0 {
		return n
	}
	return 1
}
