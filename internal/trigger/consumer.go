package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
)

// DefaultGroup is the consumer group triggers read from.
const DefaultGroup = "triggers"

// Processor handles the events addressed to one entity.
type Processor interface {
	Process(ctx context.Context, id ecs.ID, events []event.Delivered) (Result, error)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Group defaults to DefaultGroup.
	Group string

	// Consumer is this process's identity in the group. Empty picks a
	// fresh one.
	Consumer string

	// Lanes is the number of entities processed concurrently.
	Lanes int

	Subscribe bus.SubscribeOptions
}

// Consumer feeds bus batches to a Processor.
type Consumer struct {
	bus    *bus.Bus
	proc   Processor
	cfg    ConsumerConfig
	logger *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer's logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = l
	}
}

// NewConsumer creates a consumer. Run starts it.
func NewConsumer(b *bus.Bus, proc Processor, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	c := &Consumer{
		bus:    b,
		proc:   proc,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. A batch that fails is left
// unacked and comes back through reclaim. A failed read is logged and
// retried after a backoff; only a failed subscribe is returned.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.cfg.Group, c.cfg.Consumer, c.cfg.Subscribe)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Group, err)
	}
	defer func() {
		if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("close subscription", "group", c.cfg.Group, "error", err)
		}
	}()
	c.logger.Info("trigger consumer started", "group", c.cfg.Group, "consumer", sub.Consumer())
	return c.consume(ctx, sub)
}

func (c *Consumer) consume(ctx context.Context, r bus.Reader) error {
	retry := bus.NewReadBackoff()
	for {
		batch, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.NextBackOff()
			c.logger.Warn("trigger read failed", "group", c.cfg.Group, "retry_in", delay, "error", err)
			if !bus.Sleep(ctx, delay) {
				return nil
			}
			continue
		}
		retry.Reset()
		if err := c.Handle(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("trigger batch left for redelivery",
				"entries", len(batch.Entries),
				"recovered", batch.Recovered,
				"error", err,
			)
		}
	}
}

// Handle processes one batch. Events already processed by the group are
// skipped. Entities in one lane run in order; a failure stops that lane.
// Ids of entities that succeeded are marked processed even when a lane
// fails, and the batch is acked only when every lane succeeds.
func (c *Consumer) Handle(ctx context.Context, batch *bus.Batch) error {
	events := batch.Events()
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	fresh, err := c.bus.Unprocessed(ctx, c.cfg.Group, ids)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		keep[id] = true
	}

	var todo []event.Delivered
	var untargeted []string
	for _, ev := range events {
		if !keep[ev.ID] {
			continue
		}
		if ev.Entity == 0 {
			untargeted = append(untargeted, ev.ID)
			continue
		}
		todo = append(todo, ev)
	}

	groups, order := event.GroupByEntity(todo)
	lanes := make([][]ecs.ID, c.cfg.Lanes)
	for _, id := range order {
		lane := laneOf(id, c.cfg.Lanes)
		lanes[lane] = append(lanes[lane], id)
	}

	done := make([][]string, c.cfg.Lanes)
	var g errgroup.Group
	for i, entities := range lanes {
		if len(entities) == 0 {
			continue
		}
		g.Go(func() error {
			for _, id := range entities {
				evs := groups[id]
				res, err := c.proc.Process(ctx, id, evs)
				if err != nil {
					return fmt.Errorf("entity %d: %w", id, err)
				}
				c.logger.Debug("trigger reaction", "entity", id, "status", res.Status, "attempts", res.Attempts)
				for _, ev := range evs {
					done[i] = append(done[i], ev.ID)
				}
			}
			return nil
		})
	}
	laneErr := g.Wait()

	processed := untargeted
	for _, ids := range done {
		processed = append(processed, ids...)
	}
	if err := c.bus.MarkProcessed(ctx, c.cfg.Group, processed); err != nil {
		return err
	}

	if laneErr != nil {
		return laneErr
	}
	return batch.Ack(ctx)
}

func laneOf(id ecs.ID, lanes int) int {
	return int(xxhash.Sum64String(strconv.FormatUint(uint64(id), 10)) % uint64(lanes))
}
