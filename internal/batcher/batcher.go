package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/txn"
)

// ErrForeignCopy is returned when a working copy from another batcher or
// an earlier flush cycle is passed back in.
var ErrForeignCopy = errors.New("working copy does not belong to this flush cycle")

// IDAllocator reserves entity ids in bulk. store.Store and ids.Redis
// implement it.
type IDAllocator interface {
	ReserveIDs(ctx context.Context, n int) ([]ecs.ID, error)
}

// WorkingCopy is a mutable overlay of one entity for the current flush
// cycle. Mutate Entity directly; the batcher diffs it at flush.
type WorkingCopy struct {
	// Entity is the staged snapshot. It is nil when the entity does not
	// exist (or has been destroyed); set it to create the entity.
	Entity *ecs.Entity

	id      ecs.ID
	base    *ecs.Entity
	version uint64
	pending bool // id assigned at flush
	index   int
	events  []event.Event
	owner   *Batcher
	cycle   int
}

// ID returns the entity id, or 0 for a created entity before flush.
func (wc *WorkingCopy) ID() ecs.ID {
	return wc.id
}

// Version is the version the copy was read at; 0 for new entities.
func (wc *WorkingCopy) Version() uint64 {
	return wc.version
}

// Batcher accumulates working copies, events and links for one flush cycle.
type Batcher struct {
	reader txn.Reader
	ids    IDAllocator
	items  ecs.ItemSet
	clock  *ecs.Clock
	logger *slog.Logger
	limit  int

	cycle  int
	byID   map[ecs.ID]*WorkingCopy
	copies []*WorkingCopy
	links  [][2]int
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithIDAllocator sets the allocator for created entities. Without one,
// Flush fails if anything was created.
func WithIDAllocator(ids IDAllocator) Option {
	return func(b *Batcher) {
		b.ids = ids
	}
}

// WithItems validates transactions against the catalogue at flush.
func WithItems(items ecs.ItemSet) Option {
	return func(b *Batcher) {
		b.items = items
	}
}

// WithClock sets the tick source stamped on changes.
func WithClock(c *ecs.Clock) Option {
	return func(b *Batcher) {
		b.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = l
	}
}

// WithConcurrency bounds how many transactions Commit applies at once.
// Defaults to 8.
func WithConcurrency(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.limit = n
		}
	}
}

// New returns a Batcher reading through reader.
func New(reader txn.Reader, opts ...Option) *Batcher {
	b := &Batcher{
		reader: reader,
		clock:  ecs.NewClock(),
		logger: slog.Default(),
		limit:  8,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.reset()
	return b
}

func (b *Batcher) reset() {
	b.cycle++
	b.byID = make(map[ecs.ID]*WorkingCopy)
	b.copies = nil
	b.links = nil
}

// Get returns the working copy for id, reading it from the store on first
// use in this cycle. Later calls return the same copy.
func (b *Batcher) Get(ctx context.Context, id ecs.ID) (*WorkingCopy, error) {
	if id == 0 {
		return nil, &ecs.ValidationError{Reason: "entity id must be positive"}
	}
	if wc, ok := b.byID[id]; ok {
		return wc, nil
	}
	rec, err := b.reader.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stage entity %d: %w", id, err)
	}
	return b.stage(rec), nil
}

// Prefetch stages every id not yet staged with a single read.
func (b *Batcher) Prefetch(ctx context.Context, ids ...ecs.ID) error {
	var missing []ecs.ID
	for _, id := range ids {
		if id == 0 {
			return &ecs.ValidationError{Reason: "entity id must be positive"}
		}
		if _, ok := b.byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	recs, err := b.reader.GetAll(ctx, missing)
	if err != nil {
		return fmt.Errorf("prefetch entities: %w", err)
	}
	for _, rec := range recs {
		if _, ok := b.byID[rec.ID]; !ok {
			b.stage(rec)
		}
	}
	return nil
}

func (b *Batcher) stage(rec txn.Record) *WorkingCopy {
	wc := &WorkingCopy{
		id:      rec.ID,
		base:    rec.Entity,
		version: rec.Version,
		index:   len(b.copies),
		owner:   b,
		cycle:   b.cycle,
	}
	if rec.Entity != nil {
		wc.Entity = rec.Entity.Clone()
	}
	b.byID[rec.ID] = wc
	b.copies = append(b.copies, wc)
	return wc
}

// Create stages a new entity. Its id is reserved at flush; the ID field of
// e is ignored until then.
func (b *Batcher) Create(e *ecs.Entity) *WorkingCopy {
	if e == nil {
		e = &ecs.Entity{}
	}
	wc := &WorkingCopy{
		Entity:  e,
		pending: true,
		index:   len(b.copies),
		owner:   b,
		cycle:   b.cycle,
	}
	b.copies = append(b.copies, wc)
	return wc
}

// Destroy stages deletion of the entity.
func (b *Batcher) Destroy(wc *WorkingCopy) error {
	if err := b.check(wc); err != nil {
		return err
	}
	wc.Entity = nil
	return nil
}

// RecordEvent attaches ev to wc's transaction. An event with no entity is
// addressed to wc once its id is known.
func (b *Batcher) RecordEvent(wc *WorkingCopy, ev event.Event) error {
	if err := b.check(wc); err != nil {
		return err
	}
	wc.events = append(wc.events, ev)
	return nil
}

// RecordLink declares that a and b must commit together or not at all.
func (b *Batcher) RecordLink(a, c *WorkingCopy) error {
	if err := b.check(a); err != nil {
		return err
	}
	if err := b.check(c); err != nil {
		return err
	}
	b.links = append(b.links, [2]int{a.index, c.index})
	return nil
}

func (b *Batcher) check(wc *WorkingCopy) error {
	if wc == nil || wc.owner != b || wc.cycle != b.cycle {
		return ErrForeignCopy
	}
	return nil
}

// Flush turns the staged edits into transactions and starts a new cycle.
// Groups with no changes and no events produce nothing. On error the cycle
// is kept so the caller may retry.
func (b *Batcher) Flush(ctx context.Context) ([]txn.Transaction, error) {
	if err := b.assignIDs(ctx); err != nil {
		return nil, err
	}

	tick := b.clock.Next()
	n := len(b.copies)
	changes := make([]*ecs.Change, n)
	for i, wc := range b.copies {
		if wc.Entity != nil {
			wc.Entity.ID = wc.id
		}
		if ch, ok := ecs.Diff(wc.base, wc.Entity, tick); ok {
			changes[i] = &ch
		}
	}

	uf := newUnionFind(n)
	for _, l := range b.links {
		uf.union(l[0], l[1])
	}

	// Groups in order of their first staged member.
	var roots []int
	members := make(map[int][]int)
	for i := range b.copies {
		r := uf.find(i)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], i)
	}

	var out []txn.Transaction
	for _, r := range roots {
		var t txn.Transaction
		for _, i := range members[r] {
			wc := b.copies[i]
			if changes[i] != nil {
				t.Changes = append(t.Changes, *changes[i])
			}
			for _, ev := range wc.events {
				if ev.Entity == 0 {
					ev.Entity = wc.id
				}
				t.Events = append(t.Events, ev)
			}
		}
		if t.Empty() {
			continue
		}
		for _, i := range members[r] {
			wc := b.copies[i]
			t.Invariants = append(t.Invariants, txn.Invariant{ID: wc.id, Version: wc.version})
		}
		if err := t.Validate(b.items); err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	b.logger.Debug("batcher flushed",
		"staged", n,
		"links", len(b.links),
		"transactions", len(out),
		"tick", tick,
	)
	b.reset()
	return out, nil
}

func (b *Batcher) assignIDs(ctx context.Context) error {
	var pending []*WorkingCopy
	for _, wc := range b.copies {
		if wc.pending {
			pending = append(pending, wc)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if b.ids == nil {
		return fmt.Errorf("flush: %d created entities but no id allocator", len(pending))
	}

	ids, err := b.ids.ReserveIDs(ctx, len(pending))
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if len(ids) != len(pending) {
		return fmt.Errorf("flush: reserved %d ids, need %d", len(ids), len(pending))
	}
	for i, wc := range pending {
		wc.id = ids[i]
		wc.pending = false
		b.byID[wc.id] = wc
	}
	return nil
}

// Result is the outcome of one committed transaction.
type Result struct {
	Transaction txn.Transaction
	Outcome     txn.Outcome
	Err         error
}

// Commit flushes and applies the transactions concurrently. Each result
// stands alone: an abort or error in one group does not stop the others.
// The returned error joins every per-transaction error.
func (b *Batcher) Commit(ctx context.Context, applier txn.Applier) ([]Result, error) {
	txns, err := b.Flush(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(txns))
	var g errgroup.Group
	g.SetLimit(b.limit)
	for i, t := range txns {
		results[i].Transaction = t
		g.Go(func() error {
			out, err := applier.Apply(ctx, t)
			results[i].Outcome = out
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		switch {
		case r.Err != nil:
			errs = append(errs, r.Err)
		case !r.Outcome.Applied():
			b.logger.Debug("batcher transaction aborted",
				"entities", r.Transaction.Entities(),
				"reason", r.Outcome.Reason,
			)
		}
	}
	return results, errors.Join(errs...)
}
