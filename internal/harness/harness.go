package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
	"github.com/roach88/worldstate/internal/store"
	"github.com/roach88/worldstate/internal/testutil"
	"github.com/roach88/worldstate/internal/trigger"
	"github.com/roach88/worldstate/internal/txn"
)

const outboxOwner = "harness"

// Harness executes one scenario. Each run gets a fresh store and
// deterministic clocks, so traces are reproducible.
type Harness struct {
	store  *store.Store
	engine *trigger.Engine
	clock  *ecs.Clock
	target ecs.ID
	logger *slog.Logger
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sends engine logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = l
	}
}

// Run executes a scenario and returns its result. An error means the
// scenario could not be run at all; failed expectations are reported in
// the result.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	cat, err := catalog.LoadDir(s.Catalog)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	target, err := s.target()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "worldstate-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "world.db"),
		store.WithItems(cat),
		store.WithClock(testutil.NewWallClock().Now),
	)
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	clock := ecs.NewClock()
	h := &Harness{
		store: st,
		engine: trigger.New(st, cat,
			trigger.WithClock(clock),
			trigger.WithLogger(cfg.logger),
		),
		clock:  clock,
		target: target,
		logger: cfg.logger,
	}

	if s.Entity != nil {
		if err := h.seed(ctx, s.Entity, cat); err != nil {
			return nil, fmt.Errorf("seed entity: %w", err)
		}
	}

	result := NewResult()
	for i, step := range s.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	rec, err := st.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("read final state: %w", err)
	}
	if rec.Exists() {
		state, err := toMap(rec.Entity)
		if err != nil {
			return nil, fmt.Errorf("read final state: %w", err)
		}
		result.State = state
	}

	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// RunFile loads and runs a scenario file.
func RunFile(ctx context.Context, path string, opts ...Option) (*Scenario, *Result, error) {
	s, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	res, err := Run(ctx, s, opts...)
	return s, res, err
}

func (h *Harness) seed(ctx context.Context, raw map[string]any, cat *catalog.Catalog) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var e ecs.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	e.ID = h.target

	t, err := txn.NewBuilder().
		Require(h.target, 0).
		Change(ecs.Create(&e, h.clock.Next())).
		Build(cat)
	if err != nil {
		return err
	}
	out, err := h.store.Apply(ctx, t)
	if err != nil {
		return err
	}
	if !out.Applied() {
		return fmt.Errorf("create aborted: %s", out.Reason)
	}
	_, err = h.drain(ctx)
	return err
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	delivered := make([]event.Delivered, len(step.Deliver))
	for j, in := range step.Deliver {
		p, err := toPayload(in.Payload)
		if err != nil {
			return fmt.Errorf("deliver[%d]: %w", j, err)
		}
		delivered[j] = event.Delivered{
			Event:     event.New(in.Kind, h.target, p),
			ID:        fmt.Sprintf("%d-0-%d", n, j),
			Entry:     fmt.Sprintf("%d-0", n),
			Timestamp: testutil.Epoch.Add(time.Duration(n) * time.Second),
		}
		result.Trace = append(result.Trace, TraceEvent{
			Step:    n,
			Type:    TraceDelivered,
			Kind:    in.Kind,
			Payload: p,
		})
	}

	res, err := h.engine.Process(ctx, h.target, delivered)
	if err != nil {
		return err
	}
	result.Trace = append(result.Trace, TraceEvent{
		Step:    n,
		Type:    TraceResult,
		Status:  res.Status.String(),
		Version: res.Version,
	})

	emitted, err := h.drain(ctx)
	if err != nil {
		return err
	}
	var kinds []string
	for _, ev := range emitted {
		kinds = append(kinds, ev.Kind)
		result.Trace = append(result.Trace, TraceEvent{
			Step:    n,
			Type:    TraceEmitted,
			Kind:    ev.Kind,
			Payload: ev.Payload,
		})
	}

	h.logger.Debug("scenario step completed",
		"step", n,
		"status", res.Status,
		"emitted", len(emitted),
	)

	if step.Expect == nil {
		return nil
	}
	if want := step.Expect.Status; want != "" && want != res.Status.String() {
		result.AddError(fmt.Sprintf("step %d: expected status %s, got %s (%s)", n, want, res.Status, res.Reason))
	}
	if want := step.Expect.Emitted; want != nil && !slices.Equal(*want, kinds) {
		result.AddError(fmt.Sprintf("step %d: expected emitted %v, got %v", n, *want, kinds))
	}
	return nil
}

// drain returns the events committed since the last drain.
func (h *Harness) drain(ctx context.Context) ([]event.Event, error) {
	entries, err := h.store.ClaimOutbox(ctx, outboxOwner, 1000, time.Minute)
	if err != nil {
		return nil, err
	}
	var out []event.Event
	for _, e := range entries {
		evs, err := e.Events()
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
		if err := h.store.MarkOutboxPublished(ctx, e.ID, outboxOwner); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toPayload(raw map[string]any) (payload.Object, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := payload.FromAny(raw)
	if err != nil {
		return nil, err
	}
	return v.(payload.Object), nil
}

func toMap(e *ecs.Entity) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
