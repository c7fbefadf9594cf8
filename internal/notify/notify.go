// Package notify forwards selected domain events to an external sink.
//
// The Dispatcher reads the "notifications" consumer group, keeps events
// whose kind is configured, and collapses identical notifications (same
// entity, kind and payload) inside one batch before handing them to a
// Sink. A batch is marked processed and acked only after the sink
// accepted it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/payload"
)

// DefaultGroup is the consumer group notifications read from.
const DefaultGroup = "notifications"

// ErrNoKinds is returned by New when no event kind is configured.
var ErrNoKinds = errors.New("no notification kinds configured")

// Notification is one collapsed notification. EventIDs lists every
// delivered event it stands for, in arrival order.
type Notification struct {
	Entity    ecs.ID
	Kind      string
	Payload   payload.Object
	Digest    string
	EventIDs  []string
	Timestamp time.Time
}

// Sink receives notifications. An error leaves the batch for redelivery.
type Sink interface {
	Notify(ctx context.Context, notes []Notification) error
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at info level. A nil logger means
// slog.Default().
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Notify(ctx context.Context, notes []Notification) error {
	for _, n := range notes {
		s.logger.InfoContext(ctx, "notification",
			"entity", n.Entity,
			"kind", n.Kind,
			"digest", n.Digest,
			"events", len(n.EventIDs),
		)
	}
	return nil
}

// Config configures a Dispatcher.
type Config struct {
	// Group defaults to DefaultGroup.
	Group string

	// Consumer is this process's identity in the group. Empty picks a
	// fresh one.
	Consumer string

	// Kinds are the event kinds forwarded to the sink.
	Kinds []string

	Subscribe bus.SubscribeOptions
}

// Dispatcher moves notification events from the bus to a Sink.
type Dispatcher struct {
	bus    *bus.Bus
	sink   Sink
	cfg    Config
	kinds  map[string]bool
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a dispatcher.
func New(b *bus.Bus, sink Sink, cfg Config, opts ...Option) (*Dispatcher, error) {
	if len(cfg.Kinds) == 0 {
		return nil, ErrNoKinds
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	d := &Dispatcher{
		bus:    b,
		sink:   sink,
		cfg:    cfg,
		kinds:  make(map[string]bool, len(cfg.Kinds)),
		logger: slog.Default(),
	}
	for _, k := range cfg.Kinds {
		d.kinds[k] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run dispatches until ctx is cancelled. A failed read is logged and
// retried after a backoff; only a failed subscribe is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, d.cfg.Group, d.cfg.Consumer, d.cfg.Subscribe)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.cfg.Group, err)
	}
	defer func() {
		if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn("close subscription", "group", d.cfg.Group, "error", err)
		}
	}()
	d.logger.Info("notification dispatcher started", "group", d.cfg.Group, "consumer", sub.Consumer(), "kinds", d.cfg.Kinds)
	return d.consume(ctx, sub)
}

func (d *Dispatcher) consume(ctx context.Context, r bus.Reader) error {
	retry := bus.NewReadBackoff()
	for {
		batch, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.NextBackOff()
			d.logger.Warn("notification read failed", "group", d.cfg.Group, "retry_in", delay, "error", err)
			if !bus.Sleep(ctx, delay) {
				return nil
			}
			continue
		}
		retry.Reset()
		if err := d.Handle(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("notification batch left for redelivery", "entries", len(batch.Entries), "error", err)
		}
	}
}

// Handle dispatches one batch.
func (d *Dispatcher) Handle(ctx context.Context, batch *bus.Batch) error {
	events := batch.Events()
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	fresh, err := d.bus.Unprocessed(ctx, d.cfg.Group, ids)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		keep[id] = true
	}

	var selected []event.Delivered
	for _, ev := range events {
		if keep[ev.ID] && d.kinds[ev.Kind] {
			selected = append(selected, ev)
		}
	}

	notes, err := Collapse(selected)
	if err != nil {
		return err
	}
	if len(notes) > 0 {
		if err := d.sink.Notify(ctx, notes); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	if err := d.bus.MarkProcessed(ctx, d.cfg.Group, fresh); err != nil {
		return err
	}
	return batch.Ack(ctx)
}

// Collapse merges events with the same entity, kind and payload digest
// into one notification, ordered by first occurrence.
func Collapse(events []event.Delivered) ([]Notification, error) {
	index := make(map[string]int)
	var out []Notification
	for _, ev := range events {
		digest, err := payload.Digest(payload.DomainNotification, ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("collapse event %s: %w", ev.ID, err)
		}
		key := fmt.Sprintf("%d\x00%s\x00%s", ev.Entity, ev.Kind, digest)
		if i, ok := index[key]; ok {
			out[i].EventIDs = append(out[i].EventIDs, ev.ID)
			continue
		}
		index[key] = len(out)
		out = append(out, Notification{
			Entity:    ev.Entity,
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			Digest:    digest,
			EventIDs:  []string{ev.ID},
			Timestamp: ev.Timestamp,
		})
	}
	return out, nil
}
