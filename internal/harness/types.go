package harness

import (
	"github.com/roach88/worldstate/internal/payload"
)

// Trace event types.
const (
	TraceDelivered = "delivered"
	TraceResult    = "result"
	TraceEmitted   = "emitted"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Step    int            `json:"step"`
	Type    string         `json:"type"`
	Kind    string         `json:"kind,omitempty"`
	Payload payload.Object `json:"payload,omitempty"`
	Status  string         `json:"status,omitempty"`
	Version uint64         `json:"version,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is the final entity as decoded JSON, or nil if it no longer
	// exists.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Emitted returns the emitted events of the trace, in commit order.
func (r *Result) Emitted() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == TraceEmitted {
			out = append(out, ev)
		}
	}
	return out
}
