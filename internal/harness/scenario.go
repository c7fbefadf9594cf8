package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/worldstate/internal/ecs"
)

// Scenario is a trigger scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Catalog is the catalogue directory. LoadScenario resolves it
	// relative to the scenario file.
	Catalog string `yaml:"catalog"`

	// Entity is created before the first step, in the JSON shape of
	// ecs.Entity. Leave it out to deliver to an absent entity.
	Entity map[string]any `yaml:"entity,omitempty"`

	// Target receives every delivery. Defaults to the entity's id, or 1.
	Target ecs.ID `yaml:"target,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step delivers one batch of events to the target.
type Step struct {
	Deliver []EventSpec `yaml:"deliver"`
	Expect  *StepExpect `yaml:"expect,omitempty"`
}

// EventSpec is an event as written in a scenario.
type EventSpec struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// StepExpect checks a step's outcome. Emitted, when set, must equal the
// kinds committed by the step, in order; an empty list means none.
type StepExpect struct {
	Status  string    `yaml:"status,omitempty"`
	Emitted *[]string `yaml:"emitted,omitempty"`
}

// Assertion validates the trace or the final entity.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind is the event kind (emitted, emitted_count).
	Kind string `yaml:"kind,omitempty"`

	// Payload is a subset match on the event payload (emitted).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Count is the exact number of emitted events of Kind (emitted_count).
	Count *int `yaml:"count,omitempty"`

	// Kinds must be emitted in this relative order (emitted_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Path is a dotted path into the final entity JSON (final_state).
	// Expect is the value found there; null asserts absence.
	Path   string `yaml:"path,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertEmitted      = "emitted"
	AssertEmittedOrder = "emitted_order"
	AssertEmittedCount = "emitted_count"
	AssertFinalState   = "final_state"
)

// LoadScenario reads a scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Catalog != "" && !filepath.IsAbs(s.Catalog) {
		s.Catalog = filepath.Join(filepath.Dir(path), s.Catalog)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse scenario: empty document")
		}
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// target is the entity every step delivers to.
func (s *Scenario) target() (ecs.ID, error) {
	if s.Target != 0 {
		return s.Target, nil
	}
	if raw, ok := s.Entity["id"]; ok {
		n, ok := raw.(int)
		if !ok || n <= 0 {
			return 0, fmt.Errorf("entity.id must be a positive integer, got %v", raw)
		}
		return ecs.ID(n), nil
	}
	return 1, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := s.target(); err != nil {
		return err
	}

	for i, step := range s.Steps {
		if len(step.Deliver) == 0 {
			return fmt.Errorf("steps[%d]: deliver is required", i)
		}
		for j, ev := range step.Deliver {
			if ev.Kind == "" {
				return fmt.Errorf("steps[%d].deliver[%d]: kind is required", i, j)
			}
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEmitted:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for emitted", index)
		}
	case AssertEmittedCount:
		if a.Kind == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: kind and count are required for emitted_count", index)
		}
	case AssertEmittedOrder:
		if len(a.Kinds) < 2 {
			return fmt.Errorf("assertions[%d]: emitted_order needs at least two kinds", index)
		}
	case AssertFinalState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
