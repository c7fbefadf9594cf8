package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/event"
	"github.com/roach88/worldstate/internal/txn"
)

// Apply records t atomically.
//
// The transaction aborts (an Outcome, not an error) when an invariant's
// version differs from the stored one, a required component is missing,
// or an update or delete targets an entity that does not exist. Malformed
// transactions are rejected with an *ecs.ValidationError before the
// database is touched.
//
// On success every changed entity's version is incremented by exactly one
// and the transaction's events are written to the outbox in the same SQL
// transaction.
func (s *Store) Apply(ctx context.Context, t txn.Transaction) (out txn.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "store.Apply", trace.WithAttributes(
		attribute.Int("txn.invariants", len(t.Invariants)),
		attribute.Int("txn.changes", len(t.Changes)),
		attribute.Int("txn.events", len(t.Events)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("txn.outcome", out.Status.String()))
		}
		span.End()
	}()

	if err := t.Validate(s.items); err != nil {
		return txn.Outcome{}, err
	}

	var batch []byte
	if len(t.Events) > 0 {
		batch, err = event.EncodeBatch(t.Events)
		if err != nil {
			return txn.Outcome{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txn.Outcome{}, fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	current := make(map[ecs.ID]txn.Record)
	load := func(id ecs.ID) (txn.Record, error) {
		if rec, ok := current[id]; ok {
			return rec, nil
		}
		rec, err := getRecord(ctx, tx, id)
		if err != nil {
			return txn.Record{}, fmt.Errorf("apply: load entity %d: %w", id, err)
		}
		current[id] = rec
		return rec, nil
	}

	for _, inv := range t.Invariants {
		rec, err := load(inv.ID)
		if err != nil {
			return txn.Outcome{}, err
		}
		if rec.Version != inv.Version {
			return txn.Aborted("entity %d is at version %d, expected %d", inv.ID, rec.Version, inv.Version), nil
		}
		for _, k := range inv.Requires {
			if !rec.Exists() || !rec.Entity.Has(k) {
				return txn.Aborted("entity %d lacks %s", inv.ID, k), nil
			}
		}
	}

	now := s.now().UnixMilli()
	versions := make(map[ecs.ID]uint64, len(t.Changes))
	for _, ch := range t.Changes {
		rec, err := load(ch.ID)
		if err != nil {
			return txn.Outcome{}, err
		}
		if ch.Op == ecs.OpDelete && !rec.Exists() {
			return txn.Aborted("entity %d does not exist", ch.ID), nil
		}

		next, err := ecs.Apply(rec.Entity, ch)
		if errors.Is(err, ecs.ErrNoEntity) {
			return txn.Aborted("entity %d does not exist", ch.ID), nil
		}
		if err != nil {
			return txn.Outcome{}, err
		}

		version := rec.Version + 1
		if err := writeEntity(ctx, tx, ch.ID, version, next, now); err != nil {
			return txn.Outcome{}, err
		}
		versions[ch.ID] = version
	}

	if batch != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (batch, created_at) VALUES (?, ?)
		`, string(batch), now); err != nil {
			return txn.Outcome{}, fmt.Errorf("apply: insert outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return txn.Outcome{}, fmt.Errorf("apply: commit: %w", err)
	}

	if batch != nil {
		s.fireCommitHooks()
	}
	return txn.Outcome{Status: txn.StatusApplied, Versions: versions}, nil
}

func writeEntity(ctx context.Context, tx *sql.Tx, id ecs.ID, version uint64, e *ecs.Entity, now int64) error {
	var snapshot sql.NullString
	if e != nil {
		e.ID = id
		data, err := ecs.EncodeEntity(e)
		if err != nil {
			return err
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, version, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, int64(id), int64(version), snapshot, now)
	if err != nil {
		return fmt.Errorf("apply: write entity %d: %w", id, err)
	}
	return nil
}
