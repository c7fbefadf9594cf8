// Package outbox relays events committed with entity changes to the bus.
//
// store.Apply writes a transaction's events to an outbox row inside the
// same SQL transaction as the entity rows. The relay leases pending rows,
// publishes each one to the bus under the key "outbox-<id>" and marks it
// published. A crash between publish and mark republishes the same key,
// which the bus collapses into the original entry, so a committed
// transaction reaches consumers at least once and keeps stable event ids.
//
// Publish failures are retried with a capped backoff and never give up.
// A row is only parked as dead when its batch cannot be decoded; the
// store's RequeueOutbox (CLI "outbox requeue") puts it back.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/store"
)

// Source is the outbox side of the entity store.
type Source interface {
	ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]store.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64, owner string) error
	MarkOutboxFailed(ctx context.Context, id int64, owner string, cause error, delay time.Duration) (int, error)
	MarkOutboxDead(ctx context.Context, id int64, owner string, cause error) error
}

// Sink appends a batch idempotently under a key.
type Sink interface {
	PublishKeyed(ctx context.Context, key string, events []event.Event) (bus.EntryID, bool, error)
}

// Config tunes the relay. Zero fields take the defaults.
type Config struct {
	PollInterval time.Duration // default 1s
	LeaseTTL     time.Duration // default 30s
	BatchSize    int           // default 100
	RetryBackoff time.Duration // default 1s, multiplied by the attempt count
	MaxBackoff   time.Duration // default 1m
	Owner        string        // lease owner; default a UUIDv7
}

func (c Config) withDefaults() (Config, error) {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
	if c.Owner == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return c, fmt.Errorf("relay owner id: %w", err)
		}
		c.Owner = "relay-" + id.String()
	}
	return c, nil
}

// Stats counts what one drain pass did.
type Stats struct {
	Claimed   int
	Published int
	Failed    int
	Dead      int
}

// Relay drains the outbox into the bus.
type Relay struct {
	src    Source
	sink   Sink
	cfg    Config
	logger *slog.Logger
	wake   chan struct{} // buffered, size 1
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// New returns a relay from src to sink.
func New(src Source, sink Sink, cfg Config, opts ...Option) (*Relay, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	r := &Relay{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("owner", cfg.Owner)
	return r, nil
}

// Owner returns the lease owner name.
func (r *Relay) Owner() string {
	return r.cfg.Owner
}

// Wake asks Run to drain now. It never blocks; wakes coalesce.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Key is the bus idempotency key for outbox row id.
func Key(id int64) string {
	return "outbox-" + strconv.FormatInt(id, 10)
}

// DrainOnce leases one batch of rows and relays them. A failed publish is
// recorded on the row and retried after a capped backoff, for as long as
// it takes the bus to come back. Only a batch that cannot be decoded is
// parked as dead. Neither stops the rest of the batch; only failures of
// the outbox itself are returned.
func (r *Relay) DrainOnce(ctx context.Context) (Stats, error) {
	entries, err := r.src.ClaimOutbox(ctx, r.cfg.Owner, r.cfg.BatchSize, r.cfg.LeaseTTL)
	if err != nil {
		return Stats{}, fmt.Errorf("drain outbox: %w", err)
	}

	stats := Stats{Claimed: len(entries)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		events, err := e.Events()
		if err != nil {
			if err := r.markDead(ctx, e, err); err != nil {
				return stats, err
			}
			stats.Dead++
			continue
		}

		entryID, _, err := r.sink.PublishKeyed(ctx, Key(e.ID), events)
		if err != nil {
			if err := r.markFailed(ctx, e, err); err != nil {
				return stats, err
			}
			stats.Failed++
			continue
		}

		if err := r.src.MarkOutboxPublished(ctx, e.ID, r.cfg.Owner); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				// The next owner republishes under the same key.
				r.logger.Warn("outbox lease lost after publish", "outbox_id", e.ID, "entry", entryID.String())
				continue
			}
			return stats, fmt.Errorf("drain outbox: %w", err)
		}
		stats.Published++
		r.logger.Debug("relay published", "outbox_id", e.ID, "entry", entryID.String())
	}
	return stats, nil
}

// Backoff is the delay before retrying a row that has failed attempts
// times: RetryBackoff per attempt, capped at MaxBackoff.
func (r *Relay) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if time.Duration(attempts) > r.cfg.MaxBackoff/r.cfg.RetryBackoff {
		return r.cfg.MaxBackoff
	}
	return r.cfg.RetryBackoff * time.Duration(attempts)
}

func (r *Relay) markFailed(ctx context.Context, e store.OutboxEntry, cause error) error {
	delay := r.Backoff(e.Attempts + 1)
	attempts, err := r.src.MarkOutboxFailed(ctx, e.ID, r.cfg.Owner, cause, delay)
	if errors.Is(err, store.ErrLeaseLost) {
		r.logger.Warn("outbox lease lost", "outbox_id", e.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	r.logger.Warn("outbox publish failed",
		"outbox_id", e.ID,
		"attempt", attempts,
		"retry_in", delay,
		"error", cause,
	)
	return nil
}

func (r *Relay) markDead(ctx context.Context, e store.OutboxEntry, cause error) error {
	err := r.src.MarkOutboxDead(ctx, e.ID, r.cfg.Owner, cause)
	if errors.Is(err, store.ErrLeaseLost) {
		r.logger.Warn("outbox lease lost", "outbox_id", e.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	r.logger.Error("outbox entry dead: batch cannot be decoded",
		"outbox_id", e.ID,
		"error", cause,
	)
	return nil
}

// Run drains until ctx is done. It drains again immediately while batches
// come back full and otherwise waits for Wake or the poll interval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "poll", r.cfg.PollInterval, "batch", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		stats, err := r.DrainOnce(ctx)
		if ctx.Err() != nil {
			r.logger.Info("outbox relay stopped")
			return nil
		}
		if err != nil {
			r.logger.Error("outbox drain failed", "error", err)
		}
		if err == nil && stats.Claimed == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
	}
}
