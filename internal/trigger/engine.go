package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/worldstate/internal/catalog"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/txn"
)

var tracer = otel.Tracer("github.com/roach88/worldstate/internal/trigger")

const (
	// DefaultMaxAttempts bounds optimistic retries of one Process call.
	DefaultMaxAttempts = 10

	// DefaultEmitLimit bounds the events one executor may emit per run.
	DefaultEmitLimit = 100
)

// Status discriminates a Result.
type Status int

const (
	// StatusApplied means the reaction was recorded.
	StatusApplied Status = iota + 1
	// StatusSkipped means the entity is absent or not connected.
	StatusSkipped
	// StatusUnchanged means nothing reacted.
	StatusUnchanged
	// StatusExhausted means every attempt aborted; the events were dropped.
	StatusExhausted
	// StatusRejected means the reaction produced an invalid transaction.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusSkipped:
		return "skipped"
	case StatusUnchanged:
		return "unchanged"
	case StatusExhausted:
		return "exhausted"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result reports what Process did.
type Result struct {
	Status   Status
	Attempts int
	Version  uint64
	Emitted  int
	Reason   string
}

// Engine applies trigger reactions for one entity at a time.
type Engine struct {
	store       txn.Store
	catalog     *catalog.Catalog
	executors   []Executor
	roots       map[string]bool
	maxAttempts int
	emitLimit   int
	clock       *ecs.Clock
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutors replaces the catalogue-derived executors.
func WithExecutors(executors ...Executor) Option {
	return func(e *Engine) {
		e.executors = executors
	}
}

// WithMaxAttempts sets how many aborted attempts Process makes before it
// gives up.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithEmitLimit sets the per-executor emit limit. Zero disables it.
func WithEmitLimit(n int) Option {
	return func(e *Engine) {
		e.emitLimit = n
	}
}

// WithClock sets the tick source for produced changes.
func WithClock(c *ecs.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine running one counter executor per catalogue
// trigger unless WithExecutors says otherwise.
func New(store txn.Store, cat *catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		catalog:     cat,
		maxAttempts: DefaultMaxAttempts,
		emitLimit:   DefaultEmitLimit,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.executors == nil {
		e.executors = CatalogExecutors(cat)
	}
	if e.clock == nil {
		e.clock = ecs.NewClock()
	}
	e.roots = make(map[string]bool, len(e.executors))
	for _, x := range e.executors {
		e.roots[x.ID()] = true
	}
	return e
}

// Process reacts to events addressed to entity id.
//
// Each attempt starts from a fresh read. An aborted apply is retried up to
// the configured attempt count; after that the events are logged at error
// level and dropped with StatusExhausted and a nil error. Errors are
// transient failures of the store.
func (e *Engine) Process(ctx context.Context, id ecs.ID, events []event.Delivered) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "trigger.Process", trace.WithAttributes(
		attribute.Int64("entity.id", int64(id)),
		attribute.Int("events", len(events)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("trigger.status", res.Status.String()),
				attribute.Int("trigger.attempts", res.Attempts),
			)
		}
		span.End()
	}()

	policy := txn.Policy{MaxAttempts: e.maxAttempts}
	out, attempts, err := policy.Run(ctx, func(ctx context.Context, attempt int) (txn.Outcome, error) {
		r, outcome, err := e.attempt(ctx, id, events)
		r.Attempts = attempt
		res = r
		return outcome, err
	})
	if err != nil {
		return res, fmt.Errorf("process entity %d: %w", id, err)
	}

	if out.Status == txn.StatusAborted {
		e.logger.Error("dropping trigger reaction after repeated aborts",
			"entity", id,
			"attempts", attempts,
			"reason", out.Reason,
			"events", len(events),
		)
		return Result{Status: StatusExhausted, Attempts: attempts, Reason: out.Reason}, nil
	}
	return res, nil
}

// attempt runs one read-react-apply cycle. A zero Outcome means there was
// nothing to apply.
func (e *Engine) attempt(ctx context.Context, id ecs.ID, events []event.Delivered) (Result, txn.Outcome, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return Result{}, txn.Outcome{}, err
	}
	if !rec.Exists() || rec.Entity.RemoteConnection == nil {
		return Result{Status: StatusSkipped, Version: rec.Version}, txn.Outcome{}, nil
	}

	working := rec.Entity.Clone()
	prune(working, e.catalog, e.roots)

	var emitted []event.Event
	for _, x := range e.executors {
		fork := working.Clone()
		c := newContext(ctx, fork, x.ID(), e.emitLimit, e.logger)
		if err := x.Execute(c, events); err != nil {
			e.logger.Warn("discarding trigger run",
				"entity", id,
				"trigger", x.ID(),
				"error", err,
			)
			continue
		}
		working = fork
		emitted = append(emitted, c.emitted...)
	}
	emitted = append(emitted, foldStats(working, events, e.catalog, e.logger)...)

	change, changed := ecs.Diff(rec.Entity, working, e.clock.Next())
	if !changed && len(emitted) == 0 {
		return Result{Status: StatusUnchanged, Version: rec.Version}, txn.Outcome{}, nil
	}

	b := txn.NewBuilder().
		Require(id, rec.Version, ecs.KindRemoteConnection).
		Emit(emitted...)
	if changed {
		b.Change(change)
	}
	t, err := b.Build(e.catalog)
	if err != nil {
		return e.reject(id, err)
	}

	out, err := e.store.Apply(ctx, t)
	if err != nil {
		if ecs.IsValidation(err) {
			return e.reject(id, err)
		}
		return Result{}, txn.Outcome{}, err
	}
	if !out.Applied() {
		e.logger.Debug("trigger apply aborted", "entity", id, "reason", out.Reason)
		return Result{Reason: out.Reason}, out, nil
	}

	version, ok := out.Versions[id]
	if !ok {
		version = rec.Version
	}
	return Result{
		Status:  StatusApplied,
		Version: version,
		Emitted: len(emitted),
	}, out, nil
}

func (e *Engine) reject(id ecs.ID, err error) (Result, txn.Outcome, error) {
	e.logger.Error("rejecting invalid trigger reaction", "entity", id, "error", err)
	return Result{Status: StatusRejected, Reason: err.Error()}, txn.Outcome{}, nil
}
