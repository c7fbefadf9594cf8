package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/worldstate/internal/event"
)

// SubscribeOptions tune a subscription. Zero fields take the defaults.
type SubscribeOptions struct {
	// BatchSize caps entries per batch. Default 100.
	BatchSize int
	// Block bounds how long Next waits for new entries before polling
	// again. Default 1s.
	Block time.Duration
	// AckTTL is how long a consumer may hold an entry before it counts as
	// abandoned. Default 30s.
	AckTTL time.Duration
	// ReclaimMultiplier scales AckTTL into the reclaim threshold.
	// Default 2.
	ReclaimMultiplier int
	// IdleConsumerTTL is how long a consumer may go without reading before
	// Close prunes it. Default 12h.
	IdleConsumerTTL time.Duration
	// FromStart creates a missing group at the start of the log instead
	// of after the newest entry.
	FromStart bool
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	if o.AckTTL <= 0 {
		o.AckTTL = 30 * time.Second
	}
	if o.ReclaimMultiplier <= 0 {
		o.ReclaimMultiplier = 2
	}
	if o.IdleConsumerTTL <= 0 {
		o.IdleConsumerTTL = 12 * time.Hour
	}
	return o
}

// State is the phase of a subscription.
type State int

const (
	// StateRecovering reclaims abandoned entries and redelivers this
	// consumer's own pending entries before anything new.
	StateRecovering State = iota + 1
	// StateLive reads new entries.
	StateLive
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateLive:
		return "live"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Subscription reads a group as one consumer. It is used by a single
// goroutine.
type Subscription struct {
	bus      *Bus
	group    string
	consumer string
	opts     SubscribeOptions
	logger   *slog.Logger

	state       State
	claimCursor EntryID
	swept       bool
	ownCursor   EntryID
	lastSweep   time.Time
	closed      bool
}

// Batch is a set of entries delivered together.
type Batch struct {
	Entries []Entry
	// Recovered is set for entries redelivered after a crash or reclaimed
	// from another consumer.
	Recovered bool

	sub *Subscription
}

// Events flattens the batch into delivered events.
func (b *Batch) Events() []event.Delivered {
	var out []event.Delivered
	for _, e := range b.Entries {
		out = append(out, e.Delivered()...)
	}
	return out
}

// IDs returns the entry ids in the batch.
func (b *Batch) IDs() []EntryID {
	ids := make([]EntryID, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Ack acknowledges every entry in the batch.
func (b *Batch) Ack(ctx context.Context) error {
	_, err := b.sub.bus.Ack(ctx, b.sub.group, b.IDs()...)
	return err
}

// Subscribe opens a subscription for consumer in group, creating the group
// if needed. An empty consumer name gets a fresh UUIDv7, which means the
// subscription cannot recover a previous identity's pending entries other
// than by reclaiming them once idle.
func (b *Bus) Subscribe(ctx context.Context, group, consumer string, opts SubscribeOptions) (*Subscription, error) {
	if consumer == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("subscribe: consumer id: %w", err)
		}
		consumer = id.String()
	}
	if err := b.CreateGroup(ctx, group, opts.FromStart); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	activeSubscriptions.WithLabelValues(group).Inc()
	return &Subscription{
		bus:      b,
		group:    group,
		consumer: consumer,
		opts:     opts.withDefaults(),
		logger:   b.logger.With("group", group, "consumer", consumer),
		state:    StateRecovering,
	}, nil
}

// Consumer returns the consumer name.
func (s *Subscription) Consumer() string {
	return s.consumer
}

// Group returns the group name.
func (s *Subscription) Group() string {
	return s.group
}

// State returns the current phase.
func (s *Subscription) State() State {
	return s.state
}

func (s *Subscription) reclaimAfter() time.Duration {
	return s.opts.AckTTL * time.Duration(s.opts.ReclaimMultiplier)
}

// Next blocks until a batch is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (*Batch, error) {
	if s.closed {
		return nil, fmt.Errorf("next: subscription closed")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch s.state {
		case StateRecovering:
			batch, err := s.recover(ctx)
			if err != nil {
				return nil, err
			}
			if batch != nil {
				return batch, nil
			}
			s.state = StateLive
			s.lastSweep = s.bus.now()
			s.logger.Debug("subscription live")

		case StateLive:
			if s.bus.now().Sub(s.lastSweep) >= s.opts.AckTTL {
				batch, err := s.sweep(ctx)
				if err != nil {
					return nil, err
				}
				if batch != nil {
					return batch, nil
				}
			}

			wake := s.bus.notify.wait()
			entries, err := s.bus.ReadNew(ctx, s.group, s.consumer, s.opts.BatchSize)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 {
				return &Batch{Entries: entries, sub: s}, nil
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
			case <-time.After(s.opts.Block):
			}
		}
	}
}

// recover runs one step of recovery: first a full reclaim sweep of
// abandoned entries, then this consumer's own pending entries. It returns
// nil when recovery is complete.
func (s *Subscription) recover(ctx context.Context) (*Batch, error) {
	if !s.swept {
		batch, err := s.sweep(ctx)
		if err != nil || batch != nil {
			return batch, err
		}
	}

	entries, err := s.bus.ReadPending(ctx, s.group, s.consumer, s.ownCursor, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	s.ownCursor = entries[len(entries)-1].ID
	s.logger.Info("redelivering pending entries", "count", len(entries))
	return &Batch{Entries: entries, Recovered: true, sub: s}, nil
}

// sweep reclaims one page of abandoned entries, resuming where the
// previous page stopped. It returns nil once a pass over the pending list
// completes.
func (s *Subscription) sweep(ctx context.Context) (*Batch, error) {
	for {
		entries, next, err := s.bus.AutoClaim(ctx, s.group, s.consumer, s.reclaimAfter(), s.claimCursor, s.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		s.claimCursor = next
		if next.IsZero() {
			s.swept = true
			s.lastSweep = s.bus.now()
		}
		if len(entries) > 0 {
			return &Batch{Entries: entries, Recovered: true, sub: s}, nil
		}
		if next.IsZero() {
			return nil, nil
		}
	}
}

// Close ends the subscription and prunes consumers of the group that have
// been idle past IdleConsumerTTL.
func (s *Subscription) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	activeSubscriptions.WithLabelValues(s.group).Dec()

	if _, err := s.bus.PruneIdleConsumers(ctx, s.group, s.opts.IdleConsumerTTL); err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	return nil
}
