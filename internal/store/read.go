package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/worldstate/internal/ecs"
	"github.com/roach88/worldstate/internal/txn"
)

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the versioned record for id. A missing entity yields a
// record with a nil Entity and Version 0; a deleted one keeps its last
// version.
func (s *Store) Get(ctx context.Context, id ecs.ID) (txn.Record, error) {
	rec, err := getRecord(ctx, s.db, id)
	if err != nil {
		return txn.Record{}, fmt.Errorf("get entity %d: %w", id, err)
	}
	return rec, nil
}

// GetWithVersion is Get; the version travels in the record.
func (s *Store) GetWithVersion(ctx context.Context, id ecs.ID) (txn.Record, error) {
	return s.Get(ctx, id)
}

// GetAll returns one record per requested id, in request order, read in
// a single statement so all records come from the same snapshot.
func (s *Store) GetAll(ctx context.Context, ids []ecs.ID) ([]txn.Record, error) {
	if len(ids) == 0 {
		return []txn.Record{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = int64(id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, snapshot
		FROM entities
		WHERE id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	defer rows.Close()

	found := make(map[ecs.ID]txn.Record, len(ids))
	for rows.Next() {
		var (
			id       int64
			version  int64
			snapshot sql.NullString
		)
		if err := rows.Scan(&id, &version, &snapshot); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		rec, err := toRecord(ecs.ID(id), version, snapshot)
		if err != nil {
			return nil, err
		}
		found[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	out := make([]txn.Record, len(ids))
	for i, id := range ids {
		rec, ok := found[id]
		if !ok {
			rec = txn.Record{ID: id}
		}
		out[i] = rec
	}
	return out, nil
}

// Count returns the number of live (non-deleted) entities.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE snapshot IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

func getRecord(ctx context.Context, q rowQuerier, id ecs.ID) (txn.Record, error) {
	var (
		version  int64
		snapshot sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT version, snapshot FROM entities WHERE id = ?
	`, int64(id)).Scan(&version, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Record{ID: id}, nil
	}
	if err != nil {
		return txn.Record{}, err
	}
	return toRecord(id, version, snapshot)
}

func toRecord(id ecs.ID, version int64, snapshot sql.NullString) (txn.Record, error) {
	rec := txn.Record{ID: id, Version: uint64(version)}
	if !snapshot.Valid {
		return rec, nil
	}
	e, err := ecs.DecodeEntity([]byte(snapshot.String))
	if err != nil {
		return txn.Record{}, fmt.Errorf("decode entity %d: %w", id, err)
	}
	e.ID = id
	rec.Entity = e
	return rec, nil
}
