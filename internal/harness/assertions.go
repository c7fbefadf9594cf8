package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AssertionError is a failed assertion with the emitted events for
// context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Emitted  []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Emitted) > 0 {
		fmt.Fprintf(&buf, "\nEmitted:\n")
		for i, ev := range e.Emitted {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", i+1, ev.Step, ev.Kind, payloadText(ev))
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertEmitted:
			err = assertEmitted(result.Emitted(), a)
		case AssertEmittedOrder:
			err = assertEmittedOrder(result.Emitted(), a)
		case AssertEmittedCount:
			err = assertEmittedCount(result.Emitted(), a)
		case AssertFinalState:
			err = assertFinalState(result.State, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertEmitted passes when some emitted event has the kind and carries
// every field of the expected payload.
func assertEmitted(emitted []TraceEvent, a Assertion) error {
	for _, ev := range emitted {
		if ev.Kind == a.Kind && matchPayload(ev, a.Payload) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEmitted,
		Expected: fmt.Sprintf("%s with payload %v", a.Kind, a.Payload),
		Actual:   "not emitted",
		Emitted:  emitted,
	}
}

// assertEmittedOrder checks the first occurrence of each kind. Other
// events may sit in between.
func assertEmittedOrder(emitted []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range emitted {
		if _, seen := positions[ev.Kind]; !seen {
			positions[ev.Kind] = i + 1
		}
	}

	for _, kind := range a.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertEmittedOrder,
				Expected: fmt.Sprintf("all kinds emitted: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing %s", kind),
				Emitted:  emitted,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertEmittedOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Emitted: emitted,
			}
		}
	}
	return nil
}

func assertEmittedCount(emitted []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range emitted {
		if ev.Kind == a.Kind {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertEmittedCount,
			Expected: fmt.Sprintf("%d × %s", *a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d", count),
			Emitted:  emitted,
		}
	}
	return nil
}

// assertFinalState compares the value at a dotted path of the final
// entity. A nil expectation asserts the path is absent.
func assertFinalState(state map[string]any, a Assertion) error {
	actual, found := lookup(state, a.Path)
	if a.Expect == nil {
		if found && actual != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s absent", a.Path),
				Actual:   fmt.Sprintf("%v", actual),
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", a.Path, a.Expect),
			Actual:   "absent",
		}
	}
	if !jsonEqual(a.Expect, actual) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", a.Path, a.Expect),
			Actual:   fmt.Sprintf("%s = %v", a.Path, actual),
		}
	}
	return nil
}

func lookup(state map[string]any, path string) (any, bool) {
	var cur any = state
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchPayload(ev TraceEvent, want map[string]any) bool {
	for k, v := range want {
		got, ok := ev.Payload[k]
		if !ok || !jsonEqual(v, got) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values by their JSON encoding, so YAML ints,
// decoded float64s and payload values line up. Map keys are sorted by
// encoding/json.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func payloadText(ev TraceEvent) string {
	if ev.Payload == nil {
		return "{}"
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Sprintf("%v", ev.Payload)
	}
	return string(data)
}
