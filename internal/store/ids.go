package store

import (
	"context"
	"fmt"

	"github.com/roach88/worldstate/internal/ecs"
)

const entitySequence = "entity"

// ReserveIDs reserves n consecutive entity ids in one round trip. The
// sequence starts above the largest id already stored.
func (s *Store) ReserveIDs(ctx context.Context, n int) ([]ecs.ID, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reserve ids: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// "WHERE true" disambiguates the upsert clause after INSERT ... SELECT.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sequences (name, next)
		SELECT ?, COALESCE(MAX(id), 0) + 1 FROM entities WHERE true
		ON CONFLICT(name) DO NOTHING
	`, entitySequence); err != nil {
		return nil, fmt.Errorf("reserve ids: init sequence: %w", err)
	}

	var first int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM sequences WHERE name = ?`, entitySequence).Scan(&first); err != nil {
		return nil, fmt.Errorf("reserve ids: read sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sequences SET next = next + ? WHERE name = ?`, n, entitySequence); err != nil {
		return nil, fmt.Errorf("reserve ids: advance sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reserve ids: commit: %w", err)
	}

	ids := make([]ecs.ID, n)
	for i := range ids {
		ids[i] = ecs.ID(first + int64(i))
	}
	return ids, nil
}

// MaxID returns the largest entity id ever written, deleted entities
// included, or 0 for an empty store.
func (s *Store) MaxID(ctx context.Context) (ecs.ID, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM entities`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max entity id: %w", err)
	}
	return ecs.ID(id), nil
}
